// Package playbook runs an experiment's ordered agent steps in waves.
//
// Steps are partitioned into waves once per dispatch: every sequential step
// is its own wave and consecutive parallel steps sharing a group id share
// one. Each wave is a durable queue batch; the queue enqueues the batch's
// continuation (advance or fail) when the last member resolves, so wave i+1
// never starts before wave i has fully finished.
package playbook

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashita-ai/jikken/internal/model"
)

// Partition groups ordered steps into waves. Steps must already be sorted
// by Order.
func Partition(steps []model.PlaybookStep) [][]model.PlaybookStep {
	var waves [][]model.PlaybookStep
	var current []model.PlaybookStep
	lastGroup := ""

	flush := func() {
		if len(current) > 0 {
			waves = append(waves, current)
			current = nil
		}
	}

	for _, st := range steps {
		if st.ExecutionMode == model.ModeParallel && st.GroupID != "" {
			if st.GroupID != lastGroup {
				flush()
			}
			current = append(current, st)
			lastGroup = st.GroupID
			continue
		}
		flush()
		waves = append(waves, []model.PlaybookStep{st})
		lastGroup = ""
	}
	flush()
	return waves
}

var conditionRe = regexp.MustCompile(`^steps\.(\d+)\.output\.([\w.]+)\s*(>=|<=|==|!=|>|<)\s*(.+)$`)

// Condition is a parsed step condition.
type Condition struct {
	Order    int
	Field    string
	Op       string
	Value    string
	ElseSkip bool
}

// ParseCondition parses "steps.<order>.output.<field> <op> <value>".
func ParseCondition(c model.StepCondition) (Condition, error) {
	m := conditionRe.FindStringSubmatch(strings.TrimSpace(c.If))
	if m == nil {
		return Condition{}, fmt.Errorf("playbook: unsupported condition %q", c.If)
	}
	order, err := strconv.Atoi(m[1])
	if err != nil {
		return Condition{}, fmt.Errorf("playbook: condition order: %w", err)
	}
	return Condition{
		Order:    order,
		Field:    m[2],
		Op:       m[3],
		Value:    strings.Trim(strings.TrimSpace(m[4]), `"'`),
		ElseSkip: c.ElseSkip,
	}, nil
}

// ShouldRun reports whether step runs given the other steps of its
// experiment. Non-conditional steps always run. A missing predecessor or
// output field runs the step unless the condition asks to skip instead. An
// expression that cannot be parsed runs the step.
func ShouldRun(step model.PlaybookStep, steps []model.PlaybookStep) bool {
	if step.ExecutionMode != model.ModeConditional || step.Conditions == nil || step.Conditions.If == "" {
		return true
	}
	cond, err := ParseCondition(*step.Conditions)
	if err != nil {
		return true
	}
	prev, ok := stepByOrder(steps, cond.Order)
	if !ok || prev.Output == nil {
		return !cond.ElseSkip
	}
	actual, ok := lookup(prev.Output, cond.Field)
	if !ok || actual == nil {
		return !cond.ElseSkip
	}
	return compare(actual, cond.Op, cond.Value)
}

func compare(actual any, op, want string) bool {
	a, aok := model.AsFloat(actual)
	w, werr := strconv.ParseFloat(want, 64)
	if aok && werr == nil {
		switch op {
		case ">":
			return a > w
		case "<":
			return a < w
		case ">=":
			return a >= w
		case "<=":
			return a <= w
		case "==":
			return a == w
		case "!=":
			return a != w
		}
		return true
	}

	c := strings.Compare(fmt.Sprint(actual), want)
	switch op {
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	case "==":
		return c == 0
	case "!=":
		return c != 0
	}
	return true
}

// ResolveInput builds a step's input from its mapping. String values of the
// form node:<id>.output.<path>, steps.<order>.output.<path> and
// experiment.<field> are looked up; anything else passes through. A
// reference that does not resolve yields nil.
func ResolveInput(mapping map[string]any, exp model.Experiment, steps []model.PlaybookStep) map[string]any {
	out := make(map[string]any, len(mapping))
	var expDoc map[string]any
	for key, src := range mapping {
		ref, ok := src.(string)
		if !ok {
			out[key] = src
			continue
		}
		switch {
		case strings.HasPrefix(ref, "node:"):
			parts := strings.SplitN(strings.TrimPrefix(ref, "node:"), ".", 3)
			out[key] = stepOutput(stepByNode(steps, parts[0]))(parts)
		case strings.HasPrefix(ref, "steps."):
			parts := strings.SplitN(strings.TrimPrefix(ref, "steps."), ".", 3)
			order, err := strconv.Atoi(parts[0])
			if err != nil {
				out[key] = nil
				continue
			}
			out[key] = stepOutput(stepByOrder(steps, order))(parts)
		case strings.HasPrefix(ref, "experiment."):
			if expDoc == nil {
				expDoc = document(exp)
			}
			out[key], _ = lookup(expDoc, strings.TrimPrefix(ref, "experiment."))
		default:
			out[key] = src
		}
	}
	return out
}

// StepInput is the input a step runs with. Without a mapping, a graph step
// gets the experiment thesis and its completed predecessors' outputs, and
// any other step gets the experiment constraints.
func StepInput(step model.PlaybookStep, exp model.Experiment, steps []model.PlaybookStep) map[string]any {
	if len(step.InputMapping) > 0 {
		return ResolveInput(step.InputMapping, exp, steps)
	}
	if step.NodeID == "" {
		return maps.Clone(exp.Constraints)
	}

	goal := exp.Thesis
	if goal == "" {
		goal = exp.Title
	}
	in := map[string]any{"goal": goal}
	var prior []any
	for _, prev := range steps {
		if prev.Order < step.Order && prev.Status == model.StepCompleted && prev.Output != nil {
			prior = append(prior, prev.Output)
		}
	}
	if len(prior) > 0 {
		in["context"] = prior
	}
	return in
}

// stepOutput returns a resolver for the "<id>.output.<path>" tail of a
// reference once the owning step has been found.
func stepOutput(st model.PlaybookStep, found bool) func(parts []string) any {
	return func(parts []string) any {
		if !found || st.Output == nil {
			return nil
		}
		if len(parts) < 3 || parts[2] == "" {
			return st.Output
		}
		v, _ := lookup(st.Output, parts[2])
		return v
	}
}

func stepByOrder(steps []model.PlaybookStep, order int) (model.PlaybookStep, bool) {
	for _, st := range steps {
		if st.Order == order {
			return st, true
		}
	}
	return model.PlaybookStep{}, false
}

func stepByNode(steps []model.PlaybookStep, node string) (model.PlaybookStep, bool) {
	for _, st := range steps {
		if st.NodeID != "" && st.NodeID == node {
			return st, true
		}
	}
	return model.PlaybookStep{}, false
}

// lookup walks a dotted path through nested maps and slices.
func lookup(v any, path string) (any, bool) {
	cur := v
	for seg := range strings.SplitSeq(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// document renders exp with its JSON field names so experiment.<field>
// references match the API representation.
func document(exp model.Experiment) map[string]any {
	raw, err := json.Marshal(exp)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}
