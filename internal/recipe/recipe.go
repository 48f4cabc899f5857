// Package recipe parses and validates IPAV recipe documents.
//
// A recipe is a human-editable YAML mapping with the top-level keys
// name, description, version, intake, plan, act, verify, guardrails
// and success_metrics. Each phase is a sequence of steps; a step is
// either a bare directive string or a single-key map naming an action
// with a `with:` argument sub-map. Validation is a pure function and
// reports every violation found, not just the first.
package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dandori-ai/dandori/internal/model"
)

// Step is one entry of a phase or rollback list.
type Step struct {
	// Directive is set for the bare-string form.
	Directive string
	// Action and Args are set for the action-map form.
	Action string
	Args   map[string]any
}

// IsAction reports whether the step names an action rather than a
// free-form directive.
func (s Step) IsAction() bool { return s.Action != "" }

// Informational reports whether a verify step is marked informational
// via its arguments; informational verify steps record their outcome
// without failing the run.
func (s Step) Informational() bool {
	v, ok := s.Args["informational"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Label is the step's display text for step events.
func (s Step) Label() string {
	if s.IsAction() {
		return s.Action
	}
	return s.Directive
}

// Guardrails is the recipe-level safety policy.
type Guardrails struct {
	// Timeout bounds the wall-clock duration of the plan+act phases
	// (or the whole run, depending on engine configuration).
	Timeout time.Duration
	// Rollback is the ordered action list executed after a phase
	// failure. Rollback outcomes never change a failed run's status.
	Rollback []Step
}

// Document is a parsed recipe.
type Document struct {
	Name           string
	Description    string
	Version        string
	Intake         []Step
	Plan           []Step
	Act            []Step
	Verify         []Step
	Guardrails     *Guardrails
	SuccessMetrics []string
}

// PhaseSteps returns the step list for one IPAV phase.
func (d Document) PhaseSteps(p model.Phase) []Step {
	switch p {
	case model.PhaseIntake:
		return d.Intake
	case model.PhasePlan:
		return d.Plan
	case model.PhaseAct:
		return d.Act
	case model.PhaseVerify:
		return d.Verify
	}
	return nil
}

// Empty reports whether all four phases have no steps.
func (d Document) Empty() bool {
	return len(d.Intake)+len(d.Plan)+len(d.Act)+len(d.Verify) == 0
}

// ContentHash returns the hash that gates version increments on save:
// saving a document whose hash matches the stored one is a no-op.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// ValidationError is a single schema violation in a recipe document.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationErrors is the full set of violations found in a document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "recipe: " + strings.Join(msgs, "; ")
}

// Parse validates text and returns the typed document. The document is
// only usable when the returned ValidationErrors is empty.
func Parse(text string) (Document, ValidationErrors) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return Document{}, ValidationErrors{{Message: fmt.Sprintf("invalid YAML: %v", err)}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return Document{}, ValidationErrors{{Message: "document is empty"}}
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return Document{}, ValidationErrors{{Message: "document root must be a mapping"}}
	}

	var doc Document
	var errs ValidationErrors

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		val := mapping.Content[i+1]
		switch key {
		case "name":
			doc.Name = val.Value
		case "description":
			doc.Description = val.Value
		case "version":
			doc.Version = val.Value
		case "intake", "plan", "act", "verify":
			steps, stepErrs := decodeSteps(key, val)
			errs = append(errs, stepErrs...)
			switch key {
			case "intake":
				doc.Intake = steps
			case "plan":
				doc.Plan = steps
			case "act":
				doc.Act = steps
			case "verify":
				doc.Verify = steps
			}
		case "guardrails":
			g, gErrs := decodeGuardrails(val)
			errs = append(errs, gErrs...)
			doc.Guardrails = g
		case "success_metrics":
			if err := val.Decode(&doc.SuccessMetrics); err != nil {
				errs = append(errs, ValidationError{Field: "success_metrics", Message: "must be a list of strings"})
			}
		}
	}

	if doc.Empty() {
		errs = append(errs, ValidationError{Message: "no phase populated: at least one of intake, plan, act, verify must have steps"})
	}

	return doc, errs
}

// Validate checks text without keeping the document. Nil means valid.
func Validate(text string) ValidationErrors {
	_, errs := Parse(text)
	return errs
}

func decodeSteps(field string, node *yaml.Node) ([]Step, ValidationErrors) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, ValidationErrors{{Field: field, Message: "must be a sequence of steps"}}
	}
	var steps []Step
	var errs ValidationErrors
	for i, item := range node.Content {
		step, err := decodeStep(item)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: err.Error(),
			})
			continue
		}
		steps = append(steps, step)
	}
	return steps, errs
}

func decodeStep(node *yaml.Node) (Step, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(node.Value) == "" {
			return Step{}, fmt.Errorf("step directive must not be empty")
		}
		return Step{Directive: node.Value}, nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return Step{}, fmt.Errorf("action step must be a single-key map")
		}
		action := node.Content[0].Value
		if action == "" {
			return Step{}, fmt.Errorf("action name must not be empty")
		}
		argsNode := node.Content[1]
		args := map[string]any{}
		switch argsNode.Kind {
		case yaml.MappingNode:
			// Either the argument map directly or a {with: ...} wrapper.
			var m map[string]any
			if err := argsNode.Decode(&m); err != nil {
				return Step{}, fmt.Errorf("action arguments must be a mapping")
			}
			if w, ok := m["with"]; ok {
				wm, ok := w.(map[string]any)
				if !ok {
					return Step{}, fmt.Errorf("`with` must be a mapping")
				}
				args = wm
				// Flags beside `with` (informational etc.) ride along.
				for k, v := range m {
					if k != "with" {
						args[k] = v
					}
				}
			} else {
				args = m
			}
		case yaml.ScalarNode:
			if argsNode.Tag != "!!null" {
				return Step{}, fmt.Errorf("action arguments must be a mapping")
			}
		default:
			return Step{}, fmt.Errorf("action arguments must be a mapping")
		}
		if err := model.ValidatePayload(args); err != nil {
			return Step{}, fmt.Errorf("action arguments: %v", err)
		}
		return Step{Action: action, Args: args}, nil
	default:
		return Step{}, fmt.Errorf("step must be a string or a single-key action map")
	}
}

func decodeGuardrails(node *yaml.Node) (*Guardrails, ValidationErrors) {
	if node.Kind != yaml.MappingNode {
		return nil, ValidationErrors{{Field: "guardrails", Message: "must be a mapping"}}
	}
	var g Guardrails
	var errs ValidationErrors
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "timeout":
			d, err := parseTimeout(val.Value)
			if err != nil {
				errs = append(errs, ValidationError{Field: "guardrails.timeout", Message: err.Error()})
				continue
			}
			g.Timeout = d
		case "rollback":
			steps, stepErrs := decodeSteps("guardrails.rollback", val)
			errs = append(errs, stepErrs...)
			if val.Kind == yaml.SequenceNode && len(val.Content) == 0 {
				errs = append(errs, ValidationError{Field: "guardrails.rollback", Message: "must not be empty when present"})
			}
			g.Rollback = steps
		}
	}
	return &g, errs
}

// parseTimeout accepts a Go duration string ("90s", "5m") or a bare
// integer interpreted as seconds.
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("must be a positive duration")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		var secs int
		if _, serr := fmt.Sscanf(raw, "%d", &secs); serr != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
