package server

import (
	"archive/zip"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dandori-ai/dandori/internal/bundle"
	"github.com/dandori-ai/dandori/internal/model"
)

// HandleExport handles GET /v1/export. The optional include parameter
// selects entity kinds (comma-separated); default is everything.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	sel := bundle.All()
	if raw := r.URL.Query().Get("include"); raw != "" {
		sel = bundle.Selection{}
		for _, kind := range strings.Split(raw, ",") {
			switch strings.TrimSpace(kind) {
			case "agents":
				sel.Agents = true
			case "recipes":
				sel.Recipes = true
			case "workflows":
				sel.Workflows = true
			default:
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
					"include must name agents, recipes or workflows")
				return
			}
		}
	}

	data, manifest, err := bundle.Export(r.Context(), h.db, sel, time.Now().UTC())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}

	h.logger.Info("bundle exported",
		"agents", manifest.Agents,
		"recipes", manifest.Recipes,
		"workflows", manifest.Workflows,
	)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="dandori-bundle.zip"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleImport handles POST /v1/import. The body is the bundle zip;
// strategy and dry_run arrive as query parameters. A dry run returns
// the exact report the real import would, with no writes.
func (h *Handlers) HandleImport(w http.ResponseWriter, r *http.Request) {
	strategy, err := model.ParseMergeStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		dryRun, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "dry_run must be a boolean")
			return
		}
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read bundle body: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "bundle body is empty")
		return
	}

	report, err := bundle.Import(r.Context(), h.db, data, strategy, dryRun)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "body is not a valid bundle zip")
			return
		}
		writeStoreError(w, r, h.logger, err)
		return
	}

	h.logger.Info("bundle imported",
		"strategy", strategy,
		"dry_run", dryRun,
		"created_agents", report.Created.Agents,
		"created_recipes", report.Created.Recipes,
		"created_workflows", report.Created.Workflows,
	)
	writeJSON(w, r, http.StatusOK, importResponse{DryRun: dryRun, MergeReport: report})
}

// importResponse carries the dry-run flag alongside the merge report,
// which itself stays identical between a dry run and the real import.
type importResponse struct {
	DryRun bool `json:"dry_run"`
	model.MergeReport
}
