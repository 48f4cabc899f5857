// Package model defines the core domain types for dandori.
//
// All types correspond directly to database tables and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} except for the opaque key-value payloads whose semantics
// belong to external tool connectors.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Agent is a named execution context (persona/domain) under which
// recipes run. The id is immutable; name and config are mutable, with
// name uniqueness enforced on every rename.
type Agent struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Domain    string         `json:"domain"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ValidateName checks an entity name (agent, recipe or workflow).
// Names are trimmed by callers before validation.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("model: name must not be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("model: name exceeds 255 characters")
	}
	if name != strings.TrimSpace(name) {
		return fmt.Errorf("model: name must not have leading or trailing whitespace")
	}
	return nil
}

// ValidatePayload checks that an opaque key-value payload only carries
// the restricted value set: strings, numbers, bools, nested maps and
// lists thereof. Action-specific meaning is owned by the tool
// connectors, not validated here.
func ValidatePayload(payload map[string]any) error {
	for k, v := range payload {
		if err := validateValue(v); err != nil {
			return fmt.Errorf("model: payload key %q: %w", k, err)
		}
	}
	return nil
}

func validateValue(v any) error {
	switch t := v.(type) {
	case nil, string, bool,
		int, int32, int64, float32, float64:
		return nil
	case map[string]any:
		return ValidatePayload(t)
	case []any:
		for i, e := range t {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}
