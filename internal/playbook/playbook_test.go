package playbook

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/model"
)

func seq(order int) model.PlaybookStep {
	return model.PlaybookStep{ID: uuid.New(), Order: order, ExecutionMode: model.ModeSequential}
}

func par(order int, group string) model.PlaybookStep {
	return model.PlaybookStep{ID: uuid.New(), Order: order, ExecutionMode: model.ModeParallel, GroupID: group}
}

func orders(waves [][]model.PlaybookStep) [][]int {
	out := make([][]int, len(waves))
	for i, w := range waves {
		for _, s := range w {
			out[i] = append(out[i], s.Order)
		}
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		steps []model.PlaybookStep
		want  [][]int
	}{
		{"empty", nil, nil},
		{"sequential parallel sequential", []model.PlaybookStep{seq(1), par(2, "g1"), par(3, "g1"), seq(4)}, [][]int{{1}, {2, 3}, {4}}},
		{"adjacent groups split", []model.PlaybookStep{par(1, "a"), par(2, "a"), par(3, "b")}, [][]int{{1, 2}, {3}}},
		{"parallel without group runs alone", []model.PlaybookStep{par(1, ""), par(2, "")}, [][]int{{1}, {2}}},
		{"same group split by sequential", []model.PlaybookStep{par(1, "g"), seq(2), par(3, "g")}, [][]int{{1}, {2}, {3}}},
		{"conditional is its own wave", []model.PlaybookStep{
			par(1, "g"),
			{Order: 2, ExecutionMode: model.ModeConditional},
			par(3, "g"),
		}, [][]int{{1}, {2}, {3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orders(Partition(tt.steps)))
		})
	}
}

func conditional(order int, expr string, elseSkip bool) model.PlaybookStep {
	return model.PlaybookStep{
		Order:         order,
		ExecutionMode: model.ModeConditional,
		Conditions:    &model.StepCondition{If: expr, ElseSkip: elseSkip},
	}
}

func TestShouldRun(t *testing.T) {
	prior := []model.PlaybookStep{
		{Order: 1, Output: map[string]any{"score": 0.5, "tone": "warm", "nested": map[string]any{"n": float64(3)}}},
		{Order: 2},
	}
	tests := []struct {
		name string
		step model.PlaybookStep
		want bool
	}{
		{"sequential always runs", seq(3), true},
		{"numeric greater holds", conditional(3, "steps.1.output.score > 0.4", false), true},
		{"numeric greater fails", conditional(3, "steps.1.output.score > 0.9", false), false},
		{"numeric greater or equal", conditional(3, "steps.1.output.score >= 0.5", false), true},
		{"string equality", conditional(3, `steps.1.output.tone == "warm"`, false), true},
		{"string inequality", conditional(3, "steps.1.output.tone != warm", false), false},
		{"nested path", conditional(3, "steps.1.output.nested.n <= 3", false), true},
		{"missing predecessor runs", conditional(3, "steps.9.output.score > 0.4", false), true},
		{"missing output runs", conditional(3, "steps.2.output.score > 0.4", false), true},
		{"missing field runs", conditional(3, "steps.1.output.absent == 1", false), true},
		{"missing predecessor skips on request", conditional(3, "steps.9.output.score > 0.4", true), false},
		{"unparseable runs", conditional(3, "score is high", false), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRun(tt.step, prior))
		})
	}
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition(model.StepCondition{If: "steps.2.output.reply_rate >= 0.25", ElseSkip: true})
	require.NoError(t, err)
	assert.Equal(t, Condition{Order: 2, Field: "reply_rate", Op: ">=", Value: "0.25", ElseSkip: true}, c)

	_, err = ParseCondition(model.StepCondition{If: "output.x > 1"})
	assert.Error(t, err)
}

func TestResolveInput(t *testing.T) {
	exp := model.Experiment{
		ID:          uuid.New(),
		Title:       "Founder outreach",
		Thesis:      "Founders answer warm intros",
		Constraints: map[string]any{"audience": map[string]any{"segment": "seed"}},
	}
	steps := []model.PlaybookStep{
		{Order: 1, NodeID: "research", Output: map[string]any{"leads": []any{"ada", "grace"}, "summary": "two leads"}},
		{Order: 2, Output: map[string]any{"draft": map[string]any{"subject": "hi"}}},
		{Order: 3},
	}

	got := ResolveInput(map[string]any{
		"summary":  "node:research.output.summary",
		"lead":     "node:research.output.leads.1",
		"research": "node:research",
		"subject":  "steps.2.output.draft.subject",
		"whole":    "steps.2.output",
		"title":    "experiment.title",
		"segment":  "experiment.constraints.audience.segment",
		"pending":  "steps.3.output.anything",
		"unknown":  "node:nope.output.x",
		"badorder": "steps.x.output.y",
		"literal":  "plain text",
		"number":   42,
	}, exp, steps)

	assert.Equal(t, "two leads", got["summary"])
	assert.Equal(t, "grace", got["lead"])
	assert.Equal(t, steps[0].Output, got["research"])
	assert.Equal(t, "hi", got["subject"])
	assert.Equal(t, steps[1].Output, got["whole"])
	assert.Equal(t, "Founder outreach", got["title"])
	assert.Equal(t, "seed", got["segment"])
	assert.Equal(t, "plain text", got["literal"])
	assert.Equal(t, 42, got["number"])
	for _, k := range []string{"pending", "unknown", "badorder"} {
		v, ok := got[k]
		assert.True(t, ok, k)
		assert.Nil(t, v, k)
	}
}

func TestStepInputDefaults(t *testing.T) {
	exp := model.Experiment{Thesis: "thesis", Constraints: map[string]any{"channel": "email"}}
	steps := []model.PlaybookStep{
		{Order: 1, Status: model.StepCompleted, Output: map[string]any{"a": 1}},
		{Order: 2, Status: model.StepFailed, Output: map[string]any{"b": 2}},
		{Order: 3, NodeID: "writer"},
	}

	assert.Equal(t, map[string]any{"channel": "email"}, StepInput(model.PlaybookStep{Order: 3}, exp, steps))
	assert.Equal(t, map[string]any{
		"goal":    "thesis",
		"context": []any{map[string]any{"a": 1}},
	}, StepInput(steps[2], exp, steps))

	mapped := model.PlaybookStep{Order: 3, InputMapping: map[string]any{"prev": "steps.1.output.a"}}
	assert.Equal(t, map[string]any{"prev": 1}, StepInput(mapped, exp, steps))
}

const outreachYAML = `
name: outreach
steps:
  - node: research
    agent:
      name: researcher
      instructions: Find three founders matching the thesis.
  - mode: parallel
    group: drafts
    input:
      leads: node:research.output.leads
    agent:
      name: copywriter
  - mode: parallel
    group: drafts
    agent:
      name: designer
      max_tokens: 512
  - mode: conditional
    condition:
      if: steps.1.output.lead_count > 2
      else_skip: true
    agent:
      name: reviewer
`

func TestLoadDefinition(t *testing.T) {
	def, err := LoadDefinition([]byte(outreachYAML))
	require.NoError(t, err)
	assert.Equal(t, "outreach", def.Name)
	require.Len(t, def.Steps, 4)
	assert.Equal(t, 1, def.Steps[0].Order)
	assert.Equal(t, model.ModeSequential, def.Steps[0].Mode)
	assert.Equal(t, "drafts", def.Steps[2].Group)
	assert.Equal(t, 512, def.Steps[2].Agent.MaxTokens)
	assert.True(t, def.Steps[3].Condition.ElseSkip)

	exp := model.Experiment{ID: uuid.New(), TeamID: uuid.New()}
	steps := Materialize(exp, def)
	require.Len(t, steps, 4)
	for i, st := range steps {
		assert.Equal(t, exp.ID, st.ExperimentID)
		assert.Equal(t, exp.TeamID, st.TeamID)
		assert.Equal(t, i+1, st.Order)
		assert.Equal(t, model.StepPending, st.Status)
	}
	assert.Equal(t, [][]int{{1}, {2, 3}, {4}}, orders(Partition(steps)))
}

func TestLoadDefinitionRejectsInvalid(t *testing.T) {
	_, err := LoadDefinition([]byte("name: x\nsteps:\n  - agent: {name: a}\n    colour: red\n"))
	assert.Error(t, err)

	_, err = LoadDefinition([]byte("name: empty\nsteps: []\n"))
	assert.ErrorContains(t, err, "no steps")

	_, err = LoadDefinition([]byte(`
name: broken
steps:
  - order: 1
    mode: parallel
    agent: {name: a}
  - order: 1
    mode: conditional
    agent: {name: b}
  - order: 2
    mode: sideways
    agent: {}
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "parallel step needs a group")
	assert.Contains(t, msg, "duplicate order 1")
	assert.Contains(t, msg, "conditional step needs a condition")
	assert.Contains(t, msg, `unknown mode "sideways"`)
	assert.Contains(t, msg, "agent name is required")
}
