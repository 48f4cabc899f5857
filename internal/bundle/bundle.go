// Package bundle serializes agents, recipes and workflows into a
// portable zip and merges such bundles back into a store. Entities
// travel by name, never by id, so a bundle moves cleanly between
// installations.
package bundle

import (
	"regexp"
	"strings"
)

// Version is the bundle format version written to manifest.json.
const Version = 1

// Zip member names. Recipe documents live as individual YAML files
// under recipesDir, indexed by recipesIndex.
const (
	manifestFile  = "manifest.json"
	agentsFile    = "agents.json"
	recipesIndex  = "recipes.json"
	recipesDir    = "recipes/"
	workflowsFile = "workflows.json"
)

// Selection picks which entity kinds an export includes.
type Selection struct {
	Agents    bool
	Recipes   bool
	Workflows bool
}

// All selects every entity kind.
func All() Selection {
	return Selection{Agents: true, Recipes: true, Workflows: true}
}

// agentEntry is the wire form of one agent in agents.json.
type agentEntry struct {
	Name   string         `json:"name"`
	Domain string         `json:"domain,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// recipeEntry indexes one recipe document inside the zip.
type recipeEntry struct {
	Name string `json:"name"`
	File string `json:"file"`
}

// workflowEntry is the wire form of one workflow. Agent and recipe
// references are by name; ids never leave the exporting store.
type workflowEntry struct {
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	Trigger         string `json:"trigger"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	AgentName       string `json:"agent_name"`
	RecipeName      string `json:"recipe_name"`
}

var slugStrip = regexp.MustCompile(`[^a-z0-9-]+`)

// slugify turns an entity name into a zip-safe file stem.
func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = slugStrip.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "recipe"
	}
	return s
}
