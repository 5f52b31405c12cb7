package playbook

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/jikken/internal/model"
)

// Definition is a playbook as authored in YAML.
type Definition struct {
	Name  string    `yaml:"name"`
	Steps []StepDef `yaml:"steps"`
}

// StepDef is one authored step. Order defaults to the step's position,
// counting from 1.
type StepDef struct {
	Order     int                  `yaml:"order,omitempty"`
	Node      string               `yaml:"node,omitempty"`
	Mode      model.ExecutionMode  `yaml:"mode,omitempty"`
	Group     string               `yaml:"group,omitempty"`
	Condition *model.StepCondition `yaml:"condition,omitempty"`
	Input     map[string]any       `yaml:"input,omitempty"`
	Agent     model.Agent          `yaml:"agent"`
}

// LoadDefinition decodes and validates a YAML playbook. Unknown fields are
// rejected.
func LoadDefinition(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("playbook: decode definition: %w", err)
	}
	for i := range def.Steps {
		if def.Steps[i].Order == 0 {
			def.Steps[i].Order = i + 1
		}
		if def.Steps[i].Mode == "" {
			def.Steps[i].Mode = model.ModeSequential
		}
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate reports every problem with the definition at once.
func (d Definition) Validate() error {
	var errs []error
	if len(d.Steps) == 0 {
		errs = append(errs, errors.New("playbook: definition has no steps"))
	}
	orders := make(map[int]bool, len(d.Steps))
	nodes := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		at := fmt.Sprintf("playbook: step %d", i+1)
		if s.Order < 1 {
			errs = append(errs, fmt.Errorf("%s: order must be positive", at))
		}
		if orders[s.Order] {
			errs = append(errs, fmt.Errorf("%s: duplicate order %d", at, s.Order))
		}
		orders[s.Order] = true
		if s.Node != "" {
			if nodes[s.Node] {
				errs = append(errs, fmt.Errorf("%s: duplicate node %q", at, s.Node))
			}
			nodes[s.Node] = true
		}
		if s.Agent.Name == "" {
			errs = append(errs, fmt.Errorf("%s: agent name is required", at))
		}
		switch s.Mode {
		case model.ModeSequential:
		case model.ModeParallel:
			if s.Group == "" {
				errs = append(errs, fmt.Errorf("%s: parallel step needs a group", at))
			}
		case model.ModeConditional:
			if s.Condition == nil {
				errs = append(errs, fmt.Errorf("%s: conditional step needs a condition", at))
			} else if _, err := ParseCondition(*s.Condition); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", at, err))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown mode %q", at, s.Mode))
		}
	}
	return errors.Join(errs...)
}

// Materialize turns a definition into pending steps owned by exp.
func Materialize(exp model.Experiment, def Definition) []model.PlaybookStep {
	steps := make([]model.PlaybookStep, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, model.PlaybookStep{
			ID:            uuid.New(),
			ExperimentID:  exp.ID,
			TeamID:        exp.TeamID,
			Order:         s.Order,
			NodeID:        s.Node,
			ExecutionMode: s.Mode,
			GroupID:       s.Group,
			Conditions:    s.Condition,
			InputMapping:  s.Input,
			Agent:         s.Agent,
			Status:        model.StepPending,
		})
	}
	return steps
}
