package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dandori-ai/dandori/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalid is returned when an entity fails validation before
// persistence; nothing is written.
var ErrInvalid = errors.New("storage: invalid entity")

// ErrConflict is returned when a create or rename would collide with
// an existing entity's unique name.
var ErrConflict = errors.New("storage: name already in use")

// ErrReferenced is returned when deleting an agent or recipe that a
// workflow still references, or when creating a workflow against a
// missing agent or recipe. Callers must clean up references first.
var ErrReferenced = errors.New("storage: entity referenced by a workflow")

// validName trims and validates an entity name for persistence.
func validName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if err := model.ValidateName(name); err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	return name, nil
}
