package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/recipe"
	"github.com/dandori-ai/dandori/internal/storage"
)

// Import merges a bundle into the store under the given strategy.
// Agents and recipes are merged first, workflows last, so a workflow
// entry always resolves against post-merge names: when a recipe was
// renamed on the way in, the imported workflow points at the renamed
// copy. With dryRun set, Import performs no writes and returns the
// exact report the real import would produce.
func Import(ctx context.Context, db *storage.DB, data []byte, strategy model.MergeStrategy, dryRun bool) (model.MergeReport, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return model.MergeReport{}, fmt.Errorf("bundle: open zip: %w", err)
	}

	imp := &importer{
		db:       db,
		strategy: strategy,
		dryRun:   dryRun,
		report:   model.MergeReport{Strategy: strategy},
		members:  make(map[string][]byte, len(zr.File)),

		agentFinal:  make(map[string]string),
		recipeFinal: make(map[string]string),
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return model.MergeReport{}, fmt.Errorf("bundle: open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return model.MergeReport{}, fmt.Errorf("bundle: read %s: %w", f.Name, err)
		}
		imp.members[f.Name] = b
	}

	if err := imp.seedNames(ctx); err != nil {
		return model.MergeReport{}, err
	}
	if err := imp.mergeAgents(ctx); err != nil {
		return model.MergeReport{}, err
	}
	if err := imp.mergeRecipes(ctx); err != nil {
		return model.MergeReport{}, err
	}
	if err := imp.mergeWorkflows(ctx); err != nil {
		return model.MergeReport{}, err
	}
	return imp.report, nil
}

type importer struct {
	db       *storage.DB
	strategy model.MergeStrategy
	dryRun   bool
	report   model.MergeReport
	members  map[string][]byte

	// Post-merge name state. The taken sets cover store contents plus
	// everything this import creates, so renames never collide even on
	// a dry run. The final maps translate bundle names to the names
	// the entities ended up under.
	agentTaken    map[string]bool // exact
	recipeTaken   map[string]bool // exact
	workflowTaken map[string]bool // lowercased
	agentFinal    map[string]string
	recipeFinal   map[string]string
}

func (imp *importer) seedNames(ctx context.Context) error {
	agents, err := imp.db.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("bundle: list agents: %w", err)
	}
	imp.agentTaken = make(map[string]bool, len(agents))
	for _, a := range agents {
		imp.agentTaken[a.Name] = true
	}

	recipes, err := imp.db.ListRecipes(ctx)
	if err != nil {
		return fmt.Errorf("bundle: list recipes: %w", err)
	}
	imp.recipeTaken = make(map[string]bool, len(recipes))
	for _, r := range recipes {
		imp.recipeTaken[r.Name] = true
	}

	workflows, err := imp.db.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("bundle: list workflows: %w", err)
	}
	imp.workflowTaken = make(map[string]bool, len(workflows))
	for _, wf := range workflows {
		imp.workflowTaken[strings.ToLower(wf.Name)] = true
	}
	return nil
}

// freeName appends " (2)", " (3)"… until taken reports the candidate
// free.
func freeName(base string, taken func(string) bool) string {
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s (%d)", base, i)
		if !taken(cand) {
			return cand
		}
	}
}

func (imp *importer) skipf(format string, args ...any) {
	imp.report.Messages = append(imp.report.Messages, fmt.Sprintf(format, args...))
}

func (imp *importer) mergeAgents(ctx context.Context) error {
	raw, ok := imp.members[agentsFile]
	if !ok {
		return nil
	}
	var entries []agentEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("bundle: parse %s: %w", agentsFile, err)
	}

	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			imp.skipf("agent with empty name skipped")
			imp.report.Skipped.Agents++
			continue
		}

		if imp.agentTaken[name] {
			switch imp.strategy {
			case model.MergeSkip:
				imp.report.Skipped.Agents++
				imp.agentFinal[name] = name
				continue
			case model.MergeOverwrite:
				if !imp.dryRun {
					existing, err := imp.db.GetAgentByName(ctx, name)
					if err != nil {
						return fmt.Errorf("bundle: overwrite agent %q: %w", name, err)
					}
					req := model.UpdateAgentRequest{Domain: &entry.Domain, Config: entry.Config}
					if _, err := imp.db.UpdateAgent(ctx, existing.ID, req); err != nil {
						return fmt.Errorf("bundle: overwrite agent %q: %w", name, err)
					}
				}
				imp.report.Updated.Agents++
				imp.agentFinal[name] = name
				continue
			case model.MergeRename:
				renamed := freeName(name, func(c string) bool { return imp.agentTaken[c] })
				imp.report.Renames = append(imp.report.Renames, model.Rename{
					Kind: "agent", OldName: name, NewName: renamed,
				})
				imp.agentFinal[name] = renamed
				name = renamed
			}
		} else {
			imp.agentFinal[name] = name
		}

		if !imp.dryRun {
			req := model.CreateAgentRequest{Name: name, Domain: entry.Domain, Config: entry.Config}
			if _, err := imp.db.CreateAgent(ctx, req); err != nil {
				return fmt.Errorf("bundle: create agent %q: %w", name, err)
			}
		}
		imp.agentTaken[name] = true
		imp.report.Created.Agents++
	}
	return nil
}

func (imp *importer) mergeRecipes(ctx context.Context) error {
	entries, err := imp.recipeEntries()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" || entry.File == "" {
			imp.skipf("recipe entry without name or file skipped")
			imp.report.Skipped.Recipes++
			continue
		}
		doc, ok := imp.members[entry.File]
		if !ok {
			imp.skipf("recipe %q skipped: %s missing from bundle", name, entry.File)
			imp.report.Skipped.Recipes++
			continue
		}
		if verrs := recipe.Validate(string(doc)); len(verrs) > 0 {
			imp.skipf("recipe %q skipped: %v", name, verrs)
			imp.report.Skipped.Recipes++
			continue
		}

		if imp.recipeTaken[name] {
			switch imp.strategy {
			case model.MergeSkip:
				imp.report.Skipped.Recipes++
				imp.recipeFinal[name] = name
				continue
			case model.MergeOverwrite:
				if !imp.dryRun {
					existing, err := imp.db.GetRecipeByName(ctx, name)
					if err != nil {
						return fmt.Errorf("bundle: overwrite recipe %q: %w", name, err)
					}
					if _, err := imp.db.UpdateRecipe(ctx, existing.ID, name, string(doc)); err != nil {
						return fmt.Errorf("bundle: overwrite recipe %q: %w", name, err)
					}
				}
				imp.report.Updated.Recipes++
				imp.recipeFinal[name] = name
				continue
			case model.MergeRename:
				renamed := freeName(name, func(c string) bool { return imp.recipeTaken[c] })
				imp.report.Renames = append(imp.report.Renames, model.Rename{
					Kind: "recipe", OldName: name, NewName: renamed,
				})
				imp.recipeFinal[name] = renamed
				name = renamed
			}
		} else {
			imp.recipeFinal[name] = name
		}

		if !imp.dryRun {
			if _, err := imp.db.CreateRecipe(ctx, name, string(doc)); err != nil {
				return fmt.Errorf("bundle: create recipe %q: %w", name, err)
			}
		}
		imp.recipeTaken[name] = true
		imp.report.Created.Recipes++
	}
	return nil
}

// recipeEntries reads recipes.json, or falls back to sweeping
// recipes/*.yaml when a hand-built bundle ships without an index.
func (imp *importer) recipeEntries() ([]recipeEntry, error) {
	if raw, ok := imp.members[recipesIndex]; ok {
		var entries []recipeEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("bundle: parse %s: %w", recipesIndex, err)
		}
		return entries, nil
	}

	var entries []recipeEntry
	for member := range imp.members {
		if !strings.HasPrefix(member, recipesDir) {
			continue
		}
		ext := strings.ToLower(path.Ext(member))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		stem := strings.TrimSuffix(path.Base(member), path.Ext(member))
		name := strings.TrimSpace(strings.NewReplacer("-", " ", "_", " ").Replace(stem))
		if name == "" {
			name = stem
		}
		entries = append(entries, recipeEntry{Name: name, File: member})
	}
	return entries, nil
}

func (imp *importer) mergeWorkflows(ctx context.Context) error {
	raw, ok := imp.members[workflowsFile]
	if !ok {
		return nil
	}
	var entries []workflowEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("bundle: parse %s: %w", workflowsFile, err)
	}

	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			imp.skipf("workflow with empty name skipped")
			imp.report.Skipped.Workflows++
			continue
		}

		agentName, ok := imp.resolveAgent(entry.AgentName)
		if !ok {
			imp.skipf("workflow %q skipped: unknown agent %q", name, entry.AgentName)
			imp.report.Skipped.Workflows++
			continue
		}
		recipeName, ok := imp.resolveRecipe(entry.RecipeName)
		if !ok {
			imp.skipf("workflow %q skipped: unknown recipe %q", name, entry.RecipeName)
			imp.report.Skipped.Workflows++
			continue
		}

		trigger := model.Trigger{
			Kind:            model.TriggerKind(entry.Trigger),
			IntervalMinutes: entry.IntervalMinutes,
		}
		if err := trigger.Validate(); err != nil {
			imp.skipf("workflow %q skipped: %v", name, err)
			imp.report.Skipped.Workflows++
			continue
		}

		key := strings.ToLower(name)
		if imp.workflowTaken[key] {
			switch imp.strategy {
			case model.MergeSkip:
				imp.report.Skipped.Workflows++
				continue
			case model.MergeOverwrite:
				if !imp.dryRun {
					if err := imp.overwriteWorkflow(ctx, name, agentName, recipeName, trigger, entry.Enabled); err != nil {
						return err
					}
				}
				imp.report.Updated.Workflows++
				continue
			case model.MergeRename:
				renamed := freeName(name, func(c string) bool { return imp.workflowTaken[strings.ToLower(c)] })
				imp.report.Renames = append(imp.report.Renames, model.Rename{
					Kind: "workflow", OldName: name, NewName: renamed,
				})
				name = renamed
				key = strings.ToLower(name)
			}
		}

		if !imp.dryRun {
			if err := imp.createWorkflow(ctx, name, agentName, recipeName, trigger, entry.Enabled); err != nil {
				return err
			}
		}
		imp.workflowTaken[key] = true
		imp.report.Created.Workflows++
	}
	return nil
}

// resolveAgent maps an imported workflow's agent reference to the
// post-merge agent name: a bundled agent under its final name, or a
// pre-existing agent of the store.
func (imp *importer) resolveAgent(ref string) (string, bool) {
	if final, ok := imp.agentFinal[ref]; ok {
		return final, true
	}
	if imp.agentTaken[ref] {
		return ref, true
	}
	return "", false
}

func (imp *importer) resolveRecipe(ref string) (string, bool) {
	if final, ok := imp.recipeFinal[ref]; ok {
		return final, true
	}
	if imp.recipeTaken[ref] {
		return ref, true
	}
	return "", false
}

func (imp *importer) overwriteWorkflow(ctx context.Context, name, agentName, recipeName string, trigger model.Trigger, enabled bool) error {
	existing, err := imp.db.GetWorkflowByName(ctx, name)
	if err != nil {
		return fmt.Errorf("bundle: overwrite workflow %q: %w", name, err)
	}
	agent, err := imp.db.GetAgentByName(ctx, agentName)
	if err != nil {
		return fmt.Errorf("bundle: overwrite workflow %q: %w", name, err)
	}
	rcp, err := imp.db.GetRecipeByName(ctx, recipeName)
	if err != nil {
		return fmt.Errorf("bundle: overwrite workflow %q: %w", name, err)
	}

	req := model.UpdateWorkflowRequest{
		AgentID:  &agent.ID,
		RecipeID: &rcp.ID,
		Trigger:  &trigger,
		Enabled:  &enabled,
	}
	if _, err := imp.db.UpdateWorkflow(ctx, existing.ID, req, time.Now().UTC()); err != nil {
		return fmt.Errorf("bundle: overwrite workflow %q: %w", name, err)
	}
	return nil
}

func (imp *importer) createWorkflow(ctx context.Context, name, agentName, recipeName string, trigger model.Trigger, enabled bool) error {
	agent, err := imp.db.GetAgentByName(ctx, agentName)
	if err != nil {
		return fmt.Errorf("bundle: import workflow %q: %w", name, err)
	}
	rcp, err := imp.db.GetRecipeByName(ctx, recipeName)
	if err != nil {
		return fmt.Errorf("bundle: import workflow %q: %w", name, err)
	}

	req := model.CreateWorkflowRequest{
		Name:     name,
		AgentID:  agent.ID,
		RecipeID: rcp.ID,
		Trigger:  trigger,
	}
	wf, err := imp.db.CreateWorkflow(ctx, req, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("bundle: import workflow %q: %w", name, err)
	}
	if !enabled {
		off := false
		if _, err := imp.db.UpdateWorkflow(ctx, wf.ID, model.UpdateWorkflowRequest{Enabled: &off}, time.Now().UTC()); err != nil {
			return fmt.Errorf("bundle: import workflow %q: %w", name, err)
		}
	}
	return nil
}
