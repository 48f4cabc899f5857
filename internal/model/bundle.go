package model

import (
	"fmt"
	"time"
)

// MergeStrategy decides what happens when an imported entity's unique
// name collides with an existing one.
type MergeStrategy string

const (
	// MergeSkip leaves the existing entity untouched.
	MergeSkip MergeStrategy = "skip"
	// MergeOverwrite replaces the existing entity's content in place,
	// preserving its id and any workflow references to it.
	MergeOverwrite MergeStrategy = "overwrite"
	// MergeRename creates a new entity under a disambiguated name.
	MergeRename MergeStrategy = "rename"
)

// ParseMergeStrategy validates a strategy string from the API.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case MergeSkip, MergeOverwrite, MergeRename:
		return MergeStrategy(s), nil
	case "":
		return MergeSkip, nil
	default:
		return "", fmt.Errorf("model: unknown merge strategy %q (want skip, overwrite or rename)", s)
	}
}

// BundleManifest describes a serialized bundle: per-kind counts and
// the generation timestamp.
type BundleManifest struct {
	BundleVersion int       `json:"bundle_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Agents        int       `json:"agents"`
	Recipes       int       `json:"recipes"`
	Workflows     int       `json:"workflows"`
}

// MergeCounts tallies one merge decision kind per entity kind.
type MergeCounts struct {
	Agents    int `json:"agents"`
	Recipes   int `json:"recipes"`
	Workflows int `json:"workflows"`
}

// Rename records one deterministic rename performed (or planned, on a
// dry run) during an import.
type Rename struct {
	Kind    string `json:"kind"`
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// MergeReport is the outcome of a bundle import. A dry run produces a
// report identical to the one the real import would produce, with no
// mutation performed.
type MergeReport struct {
	Strategy MergeStrategy `json:"strategy"`
	Created  MergeCounts   `json:"created"`
	Updated  MergeCounts   `json:"updated"`
	Skipped  MergeCounts   `json:"skipped"`
	Renames  []Rename      `json:"renames,omitempty"`
	Messages []string      `json:"messages,omitempty"`
}
