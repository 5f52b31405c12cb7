package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ashita-ai/jikken/internal/generation"
	"github.com/ashita-ai/jikken/internal/idempotency"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/objectstore"
	"github.com/ashita-ai/jikken/internal/storage"
)

// RegisterDefaults registers the six built-in stage strategies.
func (r *Runner) RegisterDefaults() {
	r.Register(Strategy{StageType: model.StageScoring, ExpectedState: model.StatusScoring, Process: r.score})
	r.Register(Strategy{StageType: model.StagePlanning, ExpectedState: model.StatusPlanning, Process: r.plan})
	r.Register(Strategy{StageType: model.StageBuilding, ExpectedState: model.StatusBuilding, Process: r.build})
	r.Register(Strategy{StageType: model.StageExecuting, ExpectedState: model.StatusExecuting, Process: r.execute})
	r.Register(Strategy{StageType: model.StageCollectingMetrics, ExpectedState: model.StatusCollectingMetrics, Process: r.collect})
	r.Register(Strategy{StageType: model.StageEvaluating, ExpectedState: model.StatusEvaluating, Process: r.evaluate})
}

const scoringPrompt = `You are an experiment scoring agent. Evaluate the business potential of the given thesis. ` +
	`Return a JSON object with: score (0.0-1.0), reasoning (string), ` +
	`recommended_track (growth|retention|revenue|engagement), and key_metrics (array of strings).`

func (r *Runner) score(ctx context.Context, x *Exec) (Outcome, error) {
	exp := x.Experiment
	res, err := r.Generate(ctx, exp, Call{
		Purpose:      string(model.StageScoring),
		SystemPrompt: scoringPrompt,
		UserPrompt: fmt.Sprintf("Score this experiment thesis:\n\nTitle: %s\nThesis: %s\nTrack: %s",
			exp.Title, exp.Thesis, exp.Track),
		MaxTokens:   1024,
		Temperature: 0.3,
		Required:    []string{"score", "reasoning"},
	})
	if err != nil {
		return Outcome{}, err
	}
	score, ok := model.AsFloat(res.Parsed["score"])
	if !ok {
		return Outcome{}, fmt.Errorf("pipeline: score %v: %w", res.Parsed["score"], generation.ErrSchemaInvalid)
	}

	threshold := exp.ConstraintFloat("score_threshold", r.cfg.ScoreThreshold)
	out := withCost(res)
	out["threshold"] = threshold
	if score >= threshold {
		return Outcome{Next: model.StatusPlanning, Output: out,
			Reason: fmt.Sprintf("Score %.2f above threshold %.2f", score, threshold)}, nil
	}
	return Outcome{Next: model.StatusDiscarded, Output: out,
		Reason: fmt.Sprintf("Score %.2f below threshold %.2f", score, threshold)}, nil
}

const planningPrompt = `You are an experiment planning agent. Create an execution plan for the experiment. ` +
	`Return a JSON object with: plan_summary (string), artifacts_to_build (array of {type, name, description}), ` +
	`outbound_channels (array of {channel, target_description}), success_metrics (array of strings), ` +
	`estimated_timeline_hours (int).`

func (r *Runner) plan(ctx context.Context, x *Exec) (Outcome, error) {
	exp := x.Experiment
	parts := []string{
		"Title: " + exp.Title,
		"Thesis: " + exp.Thesis,
		"Track: " + exp.Track,
		fmt.Sprintf("Iteration: %d", exp.CurrentIteration),
	}
	scoring, err := r.latestOutput(ctx, exp, model.StageScoring)
	if err != nil {
		return Outcome{}, err
	}
	parts = append(parts, "Scoring output: "+compact(scoring))

	feedback, err := r.rejectionFeedback(ctx, exp)
	if err != nil {
		return Outcome{}, err
	}
	if feedback != "" {
		parts = append(parts, "Previous rejection feedback: "+feedback)
	}

	res, err := r.Generate(ctx, exp, Call{
		Purpose:      string(model.StagePlanning),
		SystemPrompt: planningPrompt,
		UserPrompt:   strings.Join(parts, "\n\n"),
		MaxTokens:    2048,
		Temperature:  0.5,
		Required:     []string{"plan_summary"},
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Next: model.StatusBuilding, Reason: "Plan generated", Output: withCost(res)}, nil
}

const buildingPrompt = `You are a content builder agent. Generate the requested artifact content. ` +
	`Return a JSON object with: content (string - the actual artifact content), ` +
	`metadata (object - any relevant metadata about the artifact).`

type artifactSpec struct {
	Type        string
	Name        string
	Description string
}

func (r *Runner) build(ctx context.Context, x *Exec) (Outcome, error) {
	exp := x.Experiment
	plan, err := r.latestOutput(ctx, exp, model.StagePlanning)
	if err != nil {
		return Outcome{}, err
	}

	var built []any
	var cost int64
	for i, art := range artifactSpecs(plan) {
		key := idempotency.Key("artifact.build", exp.ID, exp.CurrentIteration, art.Name)
		if a, err := r.store.GetArtifactByKey(ctx, key); err == nil {
			built = append(built, artifactRef(a))
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, fmt.Errorf("pipeline: lookup artifact: %w", err)
		}

		res, err := r.Generate(ctx, exp, Call{
			Purpose:      string(model.StageBuilding),
			SystemPrompt: buildingPrompt,
			UserPrompt: fmt.Sprintf("Build this artifact:\n\nType: %s\nName: %s\nDescription: %s\n\nExperiment context:\nTitle: %s\nThesis: %s\nPlan: %s",
				art.Type, art.Name, art.Description, exp.Title, exp.Thesis, compact(plan)),
			MaxTokens:   2048,
			Temperature: 0.7,
			Correlation: map[string]string{"artifact": art.Name},
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline: artifact %d (%s): %w", i, art.Name, err)
		}
		cost += res.Cost

		content, ok := res.Parsed["content"].(string)
		if !ok {
			content = res.Response.Content
		}
		objectKey := objectstore.ArtifactKey(exp.TeamID, exp.ID, exp.CurrentIteration, art.Name)
		if err := r.objects.Put(ctx, objectKey, []byte(content), "text/markdown"); err != nil {
			return Outcome{}, fmt.Errorf("pipeline: store artifact %s: %w", art.Name, err)
		}
		meta, _ := res.Parsed["metadata"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		meta["description"] = art.Description
		a, _, err := r.store.CreateArtifact(ctx, model.Artifact{
			ExperimentID:   exp.ID,
			TeamID:         exp.TeamID,
			Iteration:      exp.CurrentIteration,
			Type:           art.Type,
			Name:           art.Name,
			ContentKey:     objectKey,
			Metadata:       meta,
			IdempotencyKey: key,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline: record artifact %s: %w", art.Name, err)
		}
		built = append(built, artifactRef(a))
	}

	autoApprove := exp.ConstraintBool("auto_approve")
	status := model.ProposalPending
	if autoApprove {
		status = model.ProposalApproved
	}
	names := make([]any, 0, len(built))
	for _, b := range built {
		names = append(names, b.(map[string]any)["name"])
	}
	channels := channelSpecs(plan)
	for i, ch := range channels {
		if _, _, err := r.store.CreateProposal(ctx, model.OutboundProposal{
			ExperimentID: exp.ID,
			TeamID:       exp.TeamID,
			Iteration:    exp.CurrentIteration,
			Index:        i,
			Channel:      ch.channel,
			Target:       ch.target,
			Content: map[string]any{
				"type":           "experiment_summary",
				"subject":        "Experiment: " + exp.Title,
				"thesis":         exp.Thesis,
				"iteration":      exp.CurrentIteration,
				"artifact_count": len(built),
				"artifact_names": names,
			},
			Status: status,
		}); err != nil {
			return Outcome{}, fmt.Errorf("pipeline: create proposal %d: %w", i, err)
		}
	}

	out := Outcome{
		Next:   model.StatusAwaitingApproval,
		Reason: "All artifacts built, awaiting approval",
		Output: map[string]any{
			"artifacts_built": built,
			"proposal_count":  len(channels),
			"auto_approved":   autoApprove,
			"cost":            cost,
		},
	}
	if autoApprove {
		out.Reason = "All artifacts built, auto-approved by experiment constraints"
		out.Then = []model.ExperimentStatus{model.StatusApproved, model.StatusExecuting}
	}
	return out, nil
}

func (r *Runner) execute(ctx context.Context, x *Exec) (Outcome, error) {
	exp := x.Experiment
	proposals, err := r.store.ListProposals(ctx, exp.ID, exp.CurrentIteration)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: list proposals: %w", err)
	}

	var sent, failed, capped, approved int
	for _, p := range proposals {
		if p.Status != model.ProposalApproved {
			continue
		}
		approved++

		// A redelivered job finds the earlier attempt's action and counts it
		// without claiming another slot.
		if a, ok, err := r.sender.Existing(ctx, p); err != nil {
			return Outcome{}, err
		} else if ok {
			if a.Status == model.OutboundFailed {
				failed++
			} else {
				sent++
			}
			continue
		}

		claimed, err := r.store.ClaimOutboundSlot(ctx, exp.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline: claim outbound slot: %w", err)
		}
		if !claimed {
			capped++
			continue
		}
		a, err := r.sender.Send(ctx, p)
		if err != nil {
			_ = r.store.ReleaseOutboundSlot(context.WithoutCancel(ctx), exp.ID)
			return Outcome{}, err
		}
		if a.Status == model.OutboundFailed {
			failed++
			if err := r.store.ReleaseOutboundSlot(ctx, exp.ID); err != nil {
				r.logger.Warn("pipeline: release outbound slot", "experiment_id", exp.ID, "error", err)
			}
			continue
		}
		sent++
	}

	return Outcome{
		Next:   model.StatusCollectingMetrics,
		Reason: fmt.Sprintf("Outbound complete: %d sent, %d failed", sent, failed),
		Output: map[string]any{
			"sent":            sent,
			"failed":          failed,
			"over_cap":        capped,
			"total_proposals": approved,
		},
	}, nil
}

func (r *Runner) collect(ctx context.Context, x *Exec) (Outcome, error) {
	exp := x.Experiment
	actions, err := r.store.ListOutboundActions(ctx, exp.ID, exp.CurrentIteration)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: list actions: %w", err)
	}

	collected := 0
	record := func(m model.Metric) error {
		m.ExperimentID, m.TeamID, m.Iteration = exp.ID, exp.TeamID, exp.CurrentIteration
		if _, err := r.store.InsertMetric(ctx, m); err != nil {
			return fmt.Errorf("pipeline: record %s metric: %w", m.Type, err)
		}
		collected++
		return nil
	}

	for _, a := range actions {
		delivered := a.Status == model.OutboundSent
		actionID := a.ID
		if err := record(model.Metric{
			Type:             model.MetricDelivery,
			Value:            boolValue(delivered),
			OutboundActionID: &actionID,
			Source:           "outbound_connector",
			Metadata:         map[string]any{"channel": a.Channel, "status": string(a.Status)},
			DedupKey:         idempotency.Key("metric.delivery", a.ID),
		}); err != nil {
			return Outcome{}, err
		}
		if !delivered {
			continue
		}
		v, ok, err := r.engage.Engagement(ctx, a)
		if err != nil {
			return Outcome{}, fmt.Errorf("pipeline: engagement for action %s: %w", a.ID, err)
		}
		if ok {
			if err := record(model.Metric{
				Type:             model.MetricEngagement,
				Value:            v,
				OutboundActionID: &actionID,
				Source:           r.engage.Name(),
				Metadata:         map[string]any{"channel": a.Channel},
				DedupKey:         idempotency.Key("metric.engagement", a.ID),
			}); err != nil {
				return Outcome{}, err
			}
		}
	}

	steps, err := r.store.ListSteps(ctx, exp.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: list steps: %w", err)
	}
	var completed int
	var totalDuration, totalCost int64
	for _, st := range steps {
		if st.Status != model.StepCompleted {
			continue
		}
		completed++
		totalDuration += st.DurationMS
		totalCost += st.Cost
		stepID := st.ID
		if err := record(model.Metric{
			Type:     model.MetricStepCompletion,
			Value:    1,
			StepID:   &stepID,
			Source:   "workflow_step",
			Metadata: map[string]any{"step_order": st.Order, "duration_ms": st.DurationMS, "cost": st.Cost},
			DedupKey: idempotency.Key("metric.step", st.ID, exp.CurrentIteration),
		}); err != nil {
			return Outcome{}, err
		}
	}
	if completed > 0 {
		if err := record(model.Metric{
			Type:   model.MetricWorkflowSummary,
			Value:  float64(completed) / float64(len(steps)),
			Source: "workflow_aggregate",
			Metadata: map[string]any{
				"completed": completed, "total": len(steps),
				"total_duration_ms": totalDuration, "total_cost": totalCost,
			},
			DedupKey: idempotency.Key("metric.workflow", exp.ID, exp.CurrentIteration),
		}); err != nil {
			return Outcome{}, err
		}
	}

	return Outcome{
		Next:   model.StatusEvaluating,
		Reason: "Metrics collected",
		Output: map[string]any{"metrics_collected": collected, "actions": len(actions), "steps_completed": completed},
	}, nil
}

const evaluatingPrompt = `You are an experiment evaluation agent. Analyze the collected metrics and decide the experiment outcome. ` +
	`Return a JSON object with: verdict (completed|iterate|kill), reasoning (string), confidence (0.0-1.0), ` +
	`key_findings (array of strings), recommendations (array of strings).`

func (r *Runner) evaluate(ctx context.Context, x *Exec) (Outcome, error) {
	exp := x.Experiment
	metrics, err := r.store.ListMetrics(ctx, exp.ID, exp.CurrentIteration)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: list metrics: %w", err)
	}
	summary := SummarizeMetrics(metrics)

	res, err := r.Generate(ctx, exp, Call{
		Purpose:      string(model.StageEvaluating),
		SystemPrompt: evaluatingPrompt,
		UserPrompt: fmt.Sprintf("Evaluate this experiment:\n\nTitle: %s\nThesis: %s\nIteration: %d of %d\nSuccess criteria: %s\nMetrics: %s",
			exp.Title, exp.Thesis, exp.CurrentIteration, exp.MaxIterations, compact(exp.SuccessCriteria), compact(summary)),
		MaxTokens:   1024,
		Temperature: 0.3,
		Required:    []string{"verdict", "reasoning"},
	})
	if err != nil {
		return Outcome{}, err
	}
	out := withCost(res)
	out["metrics_summary"] = summary
	reasoning, _ := res.Parsed["reasoning"].(string)

	verdict, _ := res.Parsed["verdict"].(string)
	switch strings.ToLower(strings.TrimSpace(verdict)) {
	case "completed", "complete":
		return Outcome{Next: model.StatusCompleted, Reason: orDefault(reasoning, "Success criteria met"), Output: out}, nil
	case "kill":
		return Outcome{Next: model.StatusKilled, Reason: orDefault(reasoning, "Below threshold after evaluation"), Output: out}, nil
	case "iterate":
		if exp.CurrentIteration+1 > exp.MaxIterations {
			return Outcome{Next: model.StatusKilled, Output: out,
				Reason: fmt.Sprintf("max iterations reached (%d)", exp.MaxIterations)}, nil
		}
		return Outcome{
			Next:   model.StatusIterating,
			Reason: fmt.Sprintf("Iterating to cycle %d", exp.CurrentIteration+1),
			Output: out,
			Mutate: func(e *model.Experiment) { e.CurrentIteration++ },
		}, nil
	default:
		return Outcome{}, fmt.Errorf("pipeline: verdict %q: %w", verdict, generation.ErrSchemaInvalid)
	}
}

// MetricSummary aggregates one metric type.
type MetricSummary struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Sum   float64 `json:"sum"`
}

// SummarizeMetrics groups metrics by type.
func SummarizeMetrics(metrics []model.Metric) map[string]MetricSummary {
	out := make(map[string]MetricSummary)
	for _, m := range metrics {
		s := out[string(m.Type)]
		s.Count++
		s.Sum += m.Value
		out[string(m.Type)] = s
	}
	for k, s := range out {
		s.Avg = round4(s.Sum / float64(s.Count))
		s.Sum = round4(s.Sum)
		out[k] = s
	}
	return out
}

func (r *Runner) latestOutput(ctx context.Context, exp model.Experiment, t model.StageType) (map[string]any, error) {
	st, err := r.store.LatestCompletedStage(ctx, exp.ID, t)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s output: %w", t, err)
	}
	return st.OutputSnapshot, nil
}

func (r *Runner) rejectionFeedback(ctx context.Context, exp model.Experiment) (string, error) {
	log, err := r.store.ListTransitions(ctx, exp.ID)
	if err != nil {
		return "", fmt.Errorf("pipeline: list transitions: %w", err)
	}
	for _, t := range slices.Backward(log) {
		if t.ToStatus == model.StatusRejected {
			if fb, ok := t.Metadata["rejection_reason"].(string); ok && fb != "" {
				return fb, nil
			}
			return t.Reason, nil
		}
	}
	return "", nil
}

func artifactSpecs(plan map[string]any) []artifactSpec {
	raw, _ := plan["artifacts_to_build"].([]any)
	var specs []artifactSpec
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := artifactSpec{Type: str(m["type"], "unknown"), Name: str(m["name"], fmt.Sprintf("artifact_%d", i)), Description: str(m["description"], "")}
		specs = append(specs, s)
	}
	if len(specs) == 0 {
		specs = []artifactSpec{{Type: "email_template", Name: "outreach_email", Description: "Outreach email for experiment"}}
	}
	return specs
}

type channelSpec struct {
	channel string
	target  map[string]any
}

func channelSpecs(plan map[string]any) []channelSpec {
	raw, _ := plan["outbound_channels"].([]any)
	var specs []channelSpec
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		target := map[string]any{"description": str(m["target_description"], "unknown")}
		if url, ok := m["url"].(string); ok {
			target["url"] = url
		}
		specs = append(specs, channelSpec{channel: str(m["channel"], "email"), target: target})
	}
	if len(specs) == 0 {
		specs = []channelSpec{{channel: "email", target: map[string]any{"description": "unknown"}}}
	}
	return specs
}

func artifactRef(a model.Artifact) map[string]any {
	return map[string]any{"artifact_id": a.ID.String(), "type": a.Type, "name": a.Name, "content_key": a.ContentKey}
}

func withCost(res Result) map[string]any {
	out := make(map[string]any, len(res.Parsed)+1)
	for k, v := range res.Parsed {
		out[k] = v
	}
	out["cost"] = res.Cost
	return out
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func str(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func round4(f float64) float64 { return math.Round(f*1e4) / 1e4 }
