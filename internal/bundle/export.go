package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/storage"
)

// Export serializes the selected entity kinds into a zip. Entries are
// sorted by name so exporting the same store twice yields the same
// bytes apart from generated_at.
func Export(ctx context.Context, db *storage.DB, sel Selection, now time.Time) ([]byte, model.BundleManifest, error) {
	manifest := model.BundleManifest{
		BundleVersion: Version,
		GeneratedAt:   now.UTC(),
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if sel.Agents {
		n, err := exportAgents(ctx, db, zw)
		if err != nil {
			return nil, model.BundleManifest{}, err
		}
		manifest.Agents = n
	}
	if sel.Recipes {
		n, err := exportRecipes(ctx, db, zw)
		if err != nil {
			return nil, model.BundleManifest{}, err
		}
		manifest.Recipes = n
	}
	if sel.Workflows {
		n, err := exportWorkflows(ctx, db, zw)
		if err != nil {
			return nil, model.BundleManifest{}, err
		}
		manifest.Workflows = n
	}

	if err := writeJSONEntry(zw, manifestFile, manifest); err != nil {
		return nil, model.BundleManifest{}, err
	}
	if err := zw.Close(); err != nil {
		return nil, model.BundleManifest{}, fmt.Errorf("bundle: close zip: %w", err)
	}
	return buf.Bytes(), manifest, nil
}

func exportAgents(ctx context.Context, db *storage.DB, zw *zip.Writer) (int, error) {
	agents, err := db.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("bundle: export agents: %w", err)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })

	entries := make([]agentEntry, 0, len(agents))
	for _, a := range agents {
		entries = append(entries, agentEntry{Name: a.Name, Domain: a.Domain, Config: a.Config})
	}
	if err := writeJSONEntry(zw, agentsFile, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func exportRecipes(ctx context.Context, db *storage.DB, zw *zip.Writer) (int, error) {
	recipes, err := db.ListRecipes(ctx)
	if err != nil {
		return 0, fmt.Errorf("bundle: export recipes: %w", err)
	}
	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Name < recipes[j].Name })

	index := make([]recipeEntry, 0, len(recipes))
	taken := make(map[string]bool)
	for _, r := range recipes {
		// Slugs can collide even when names are unique; disambiguate
		// the file name, the index keeps the real name.
		stem := slugify(r.Name)
		path := recipesDir + stem + ".yaml"
		for i := 2; taken[path]; i++ {
			path = fmt.Sprintf("%s%s-%d.yaml", recipesDir, stem, i)
		}
		taken[path] = true

		w, err := zw.Create(path)
		if err != nil {
			return 0, fmt.Errorf("bundle: create %s: %w", path, err)
		}
		if _, err := w.Write([]byte(r.Document)); err != nil {
			return 0, fmt.Errorf("bundle: write %s: %w", path, err)
		}
		index = append(index, recipeEntry{Name: r.Name, File: path})
	}
	if err := writeJSONEntry(zw, recipesIndex, index); err != nil {
		return 0, err
	}
	return len(index), nil
}

func exportWorkflows(ctx context.Context, db *storage.DB, zw *zip.Writer) (int, error) {
	workflows, err := db.ListWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("bundle: export workflows: %w", err)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })

	agentNames, err := agentNamesByID(ctx, db)
	if err != nil {
		return 0, err
	}
	recipeNames, err := recipeNamesByID(ctx, db)
	if err != nil {
		return 0, err
	}

	entries := make([]workflowEntry, 0, len(workflows))
	for _, wf := range workflows {
		entries = append(entries, workflowEntry{
			Name:            wf.Name,
			Enabled:         wf.Enabled,
			Trigger:         string(wf.Trigger.Kind),
			IntervalMinutes: wf.Trigger.IntervalMinutes,
			AgentName:       agentNames[wf.AgentID],
			RecipeName:      recipeNames[wf.RecipeID],
		})
	}
	if err := writeJSONEntry(zw, workflowsFile, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func agentNamesByID(ctx context.Context, db *storage.DB) (map[uuid.UUID]string, error) {
	agents, err := db.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve agent names: %w", err)
	}
	names := make(map[uuid.UUID]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}
	return names, nil
}

func recipeNamesByID(ctx context.Context, db *storage.DB) (map[uuid.UUID]string, error) {
	recipes, err := db.ListRecipes(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve recipe names: %w", err)
	}
	names := make(map[uuid.UUID]string, len(recipes))
	for _, r := range recipes {
		names[r.ID] = r.Name
	}
	return names, nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("bundle: create %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("bundle: encode %s: %w", name, err)
	}
	return nil
}
