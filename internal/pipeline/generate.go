package pipeline

import (
	"context"
	"fmt"

	"github.com/ashita-ai/jikken/internal/budget"
	"github.com/ashita-ai/jikken/internal/generation"
	"github.com/ashita-ai/jikken/internal/model"
)

// Call is one billable generation request made on behalf of an experiment.
type Call struct {
	Purpose      string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	// Provider and Model override the experiment's choice when set.
	Provider string
	Model    string
	// Required fields must be present and non-null in the parsed output.
	Required []string
	// Freeform accepts a reply that holds no JSON object; it is returned
	// as {"content": reply}.
	Freeform bool
	// Correlation is merged into the request's correlation ids.
	Correlation map[string]string
}

// Result is a parsed generation together with what it cost.
type Result struct {
	Parsed   map[string]any
	Response generation.Response
	Cost     int64
}

// Target resolves the provider and model for exp: the llm constraint first,
// then the configured default.
func (r *Runner) Target(exp model.Experiment) (provider, modelName string) {
	if llm, ok := exp.Constraints["llm"].(map[string]any); ok {
		p, _ := llm["provider"].(string)
		m, _ := llm["model"].(string)
		if p != "" && m != "" {
			return p, m
		}
	}
	return r.cfg.DefaultProvider, r.cfg.DefaultModel
}

// Generate reserves budget, calls the generation client under the configured
// timeout, parses the reply and settles the reservation. Breaker checks and
// provider fallback happen inside the client. Usage is charged even when the
// reply fails schema checks, since the tokens were spent.
func (r *Runner) Generate(ctx context.Context, exp model.Experiment, c Call) (Result, error) {
	provider, modelName := r.Target(exp)
	if c.Provider != "" {
		provider = c.Provider
	}
	if c.Model != "" {
		modelName = c.Model
	}

	estimate := budget.Estimate(provider, modelName, c.MaxTokens, len(c.SystemPrompt)+len(c.UserPrompt))
	var res budget.Reservation
	if r.budget != nil {
		var err error
		res, err = r.budget.Reserve(ctx, exp, estimate, fmt.Sprintf("%s generation (%s/%s)", c.Purpose, provider, modelName))
		if err != nil {
			return Result{}, err
		}
	}

	correlation := map[string]string{
		"experiment_id": exp.ID.String(),
		"team_id":       exp.TeamID.String(),
		"purpose":       c.Purpose,
	}
	for k, v := range c.Correlation {
		correlation[k] = v
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.GenerationTimeout)
	resp, err := r.gen.Complete(callCtx, generation.Request{
		Provider:       provider,
		Model:          modelName,
		SystemPrompt:   c.SystemPrompt,
		UserPrompt:     c.UserPrompt,
		MaxTokens:      c.MaxTokens,
		Temperature:    c.Temperature,
		CorrelationIDs: correlation,
	})
	cancel()
	if err != nil {
		if r.budget != nil {
			if rerr := r.budget.Release(context.WithoutCancel(ctx), res); rerr != nil {
				r.logger.Error("pipeline: release reservation", "experiment_id", exp.ID, "error", rerr)
			}
		}
		return Result{}, fmt.Errorf("pipeline: %s generation: %w", c.Purpose, err)
	}

	cost := budget.Cost(resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if r.budget != nil {
		if err := r.budget.Charge(context.WithoutCancel(ctx), res, cost); err != nil {
			r.logger.Error("pipeline: charge reservation", "experiment_id", exp.ID, "cost", cost, "error", err)
		}
	}

	parsed := resp.Parsed
	if parsed == nil {
		if parsed, err = generation.ParseJSON(resp.Content); err != nil {
			if !c.Freeform {
				return Result{}, fmt.Errorf("pipeline: %s output: %w", c.Purpose, err)
			}
			parsed = map[string]any{"content": resp.Content}
		}
	}
	if err := generation.Require(parsed, c.Required...); err != nil {
		return Result{}, fmt.Errorf("pipeline: %s output: %w", c.Purpose, err)
	}
	return Result{Parsed: parsed, Response: resp, Cost: cost}, nil
}
