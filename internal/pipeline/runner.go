// Package pipeline runs experiment stages as queue jobs.
//
// Each stage is a Strategy: the stage type it records, the status an
// experiment must be in for the job to do anything, and a Process function
// that decides the next status. The Runner wraps every strategy in the same
// envelope: load, state guard, kill switch, budget, admission, per-experiment
// lease, stage bookkeeping, and finally one Transition Action.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/jikken/internal/budget"
	"github.com/ashita-ai/jikken/internal/generation"
	"github.com/ashita-ai/jikken/internal/killswitch"
	"github.com/ashita-ai/jikken/internal/lifecycle"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/objectstore"
	"github.com/ashita-ai/jikken/internal/outbound"
	"github.com/ashita-ai/jikken/internal/queue"
	"github.com/ashita-ai/jikken/internal/ratelimit"
	"github.com/ashita-ai/jikken/internal/storage"
	"github.com/ashita-ai/jikken/internal/telemetry"
)

// SystemActor is recorded on transitions the pipeline makes on its own.
const SystemActor = "system"

// Store is the persistence the pipeline needs.
type Store interface {
	storage.ExperimentStore
	storage.StageStore
	storage.StepStore
	storage.OutboundStore
	storage.LeaseStore
	storage.IdempotencyStore
}

// Config tunes the stage envelope.
type Config struct {
	// GenerationTimeout bounds each generation call. It must be shorter than
	// the queue lease so a slow call cannot outlive its job.
	GenerationTimeout time.Duration
	// LeaseTTL bounds the per-experiment lease; an expired lease is taken over.
	LeaseTTL time.Duration
	// BusyDelay is how long a job waits when another job holds the lease.
	BusyDelay time.Duration
	// ScoreThreshold is used when an experiment has no score_threshold constraint.
	ScoreThreshold float64
	// DefaultProvider and DefaultModel are used when an experiment does not
	// pick its own through the llm constraint.
	DefaultProvider string
	DefaultModel    string
}

// DefaultConfig returns the stock envelope settings.
func DefaultConfig() Config {
	return Config{
		GenerationTimeout: 2 * time.Minute,
		LeaseTTL:          5 * time.Minute,
		BusyDelay:         15 * time.Second,
		ScoreThreshold:    0.3,
		DefaultProvider:   "openai",
		DefaultModel:      "gpt-4o-mini",
	}
}

// Exec is what a strategy sees while it runs.
type Exec struct {
	Experiment model.Experiment
	Stage      model.Stage
	Job        model.Job
}

// Outcome is a strategy's decision. Next is entered through the Transition
// Action with Mutate applied atomically; Then lists further statuses entered
// in order afterwards. An empty Next leaves the experiment where it is.
type Outcome struct {
	Next     model.ExperimentStatus
	Reason   string
	Output   map[string]any
	Metadata map[string]any
	Mutate   func(*model.Experiment)
	Then     []model.ExperimentStatus
}

// Strategy describes one stage.
type Strategy struct {
	StageType     model.StageType
	ExpectedState model.ExperimentStatus
	Process       func(ctx context.Context, x *Exec) (Outcome, error)
}

// KindFor is the job kind that runs stage type t.
func KindFor(t model.StageType) model.JobKind {
	return model.JobKind("stage." + string(t))
}

// Runner executes stage jobs.
type Runner struct {
	store     Store
	machine   *lifecycle.Machine
	budget    *budget.Guard
	kill      *killswitch.Switch
	admission *ratelimit.Pool
	gen       generation.Client
	objects   objectstore.Store
	sender    *outbound.Sender
	engage    EngagementSource
	logger    *slog.Logger
	cfg       Config
	tracer    trace.Tracer
	now       func() time.Time

	strategies map[model.StageType]Strategy
}

// Deps are the collaborators a Runner is built from. KillSwitch and
// Admission may be nil to disable those guards; Engagement defaults to
// NoEngagement.
type Deps struct {
	Store      Store
	Machine    *lifecycle.Machine
	Budget     *budget.Guard
	KillSwitch *killswitch.Switch
	Admission  *ratelimit.Pool
	Generator  generation.Client
	Objects    objectstore.Store
	Sender     *outbound.Sender
	Engagement EngagementSource
	Logger     *slog.Logger
}

// NewRunner creates a Runner with no strategies registered.
func NewRunner(d Deps, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = def.BusyDelay
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = def.ScoreThreshold
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider, cfg.DefaultModel = def.DefaultProvider, def.DefaultModel
	}
	if d.Engagement == nil {
		d.Engagement = NoEngagement{}
	}
	return &Runner{
		store:      d.Store,
		machine:    d.Machine,
		budget:     d.Budget,
		kill:       d.KillSwitch,
		admission:  d.Admission,
		gen:        d.Generator,
		objects:    d.Objects,
		sender:     d.Sender,
		engage:     d.Engagement,
		logger:     d.Logger,
		cfg:        cfg,
		tracer:     telemetry.Tracer("jikken/pipeline"),
		now:        time.Now,
		strategies: make(map[model.StageType]Strategy),
	}
}

// Register adds or replaces the strategy for s.StageType.
func (r *Runner) Register(s Strategy) {
	r.strategies[s.StageType] = s
}

// Strategy returns the registered strategy for t.
func (r *Runner) Strategy(t model.StageType) (Strategy, bool) {
	s, ok := r.strategies[t]
	return s, ok
}

// Mount registers a queue handler for every strategy.
func (r *Runner) Mount(p *queue.Pool) {
	for t, s := range r.strategies {
		p.Handle(KindFor(t), r.Handler(s))
	}
}

// Handler wraps s in the stage envelope.
func (r *Runner) Handler(s Strategy) queue.Handler {
	return queue.Handler{
		Run:       func(ctx context.Context, job model.Job) error { return r.run(ctx, s, job) },
		OnFailure: func(ctx context.Context, job model.Job, err error) { r.onFailure(ctx, s, job, err) },
	}
}

func (r *Runner) run(ctx context.Context, s Strategy, job model.Job) error {
	exp, err := r.load(ctx, job, s.ExpectedState)
	if err != nil {
		return err
	}
	if err := r.Guard(ctx, exp); err != nil {
		return err
	}

	owner := job.ID.String()
	release, err := r.lease(ctx, exp.ID, owner)
	if err != nil {
		return err
	}
	defer release()

	// The experiment may have moved while we waited on guards and the lease.
	if exp, err = r.load(ctx, job, s.ExpectedState); err != nil {
		return err
	}

	stage, err := r.store.FindOrCreateStage(ctx, exp, s.StageType)
	if err != nil {
		return fmt.Errorf("pipeline: find stage: %w", err)
	}
	stage, err = r.store.StartStage(ctx, stage.ID, map[string]any{
		"iteration": exp.CurrentIteration,
		"attempt":   job.Attempts,
		"job_id":    job.ID.String(),
	})
	if err != nil {
		return fmt.Errorf("pipeline: start stage: %w", err)
	}

	ctx, span := r.tracer.Start(ctx, "pipeline.stage."+string(s.StageType), trace.WithAttributes(
		attribute.String("experiment_id", exp.ID.String()),
		attribute.Int("iteration", exp.CurrentIteration),
		attribute.Int("attempt", job.Attempts),
	))
	defer span.End()

	log := r.logger.With("experiment_id", exp.ID, "stage", s.StageType, "iteration", exp.CurrentIteration, "attempt", job.Attempts)
	log.Info("pipeline: stage started")

	start := r.now()
	out, err := s.Process(ctx, &Exec{Experiment: exp, Stage: stage, Job: job})
	elapsed := r.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if _, ferr := r.store.FailStage(context.WithoutCancel(ctx), stage.ID, elapsed, err.Error()); ferr != nil {
			log.Error("pipeline: record stage failure", "error", ferr)
		}
		if budgetExhausted(err) {
			telemetry.Engine().RecordStage(ctx, string(s.StageType), "paused", elapsed)
			return r.pauseForBudget(ctx, exp, err.Error())
		}
		telemetry.Engine().RecordStage(ctx, string(s.StageType), "failed", elapsed)
		log.Warn("pipeline: stage failed", "duration_ms", elapsed.Milliseconds(), "error", err)
		return err
	}

	if err := r.store.CompleteStage(ctx, stage.ID, elapsed, out.Output); err != nil {
		return fmt.Errorf("pipeline: complete stage: %w", err)
	}
	telemetry.Engine().RecordStage(ctx, string(s.StageType), "completed", elapsed)
	log.Info("pipeline: stage completed", "duration_ms", elapsed.Milliseconds(), "next", out.Next)

	return r.advance(ctx, exp.ID, out)
}

// advance applies an outcome's transitions. A refused transition means the
// experiment moved underneath us (paused, killed); that is not retried.
func (r *Runner) advance(ctx context.Context, id uuid.UUID, out Outcome) error {
	if out.Next == "" {
		return nil
	}
	opts := []lifecycle.Option{lifecycle.WithReason(out.Reason), lifecycle.WithActor(SystemActor)}
	if out.Metadata != nil {
		opts = append(opts, lifecycle.WithMetadata(out.Metadata))
	}
	if out.Mutate != nil {
		opts = append(opts, lifecycle.WithMutation(out.Mutate))
	}
	if _, err := r.machine.Transition(ctx, id, out.Next, opts...); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return queue.AbortBy("transition", err.Error())
		}
		return err
	}
	for _, next := range out.Then {
		if _, err := r.machine.Transition(ctx, id, next, lifecycle.WithReason(out.Reason), lifecycle.WithActor(SystemActor)); err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				return queue.AbortBy("transition", err.Error())
			}
			return err
		}
	}
	return nil
}

// load reads the job's experiment and aborts silently when it is gone, owned
// by another tenant, or not in want.
func (r *Runner) load(ctx context.Context, job model.Job, want model.ExperimentStatus) (model.Experiment, error) {
	exp, err := r.store.GetExperiment(ctx, job.ExperimentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Experiment{}, queue.AbortBy("experiment", "not found")
	}
	if err != nil {
		return model.Experiment{}, fmt.Errorf("pipeline: load experiment: %w", err)
	}
	if job.TeamID != uuid.Nil && exp.TeamID != job.TeamID {
		return model.Experiment{}, queue.AbortBy("tenant", "job team does not own experiment")
	}
	if exp.Status != want {
		return model.Experiment{}, queue.AbortBy("state",
			fmt.Sprintf("experiment is %s, want %s", exp.Status, want))
	}
	if _, ok := job.Payload["iteration"]; ok && job.PayloadInt("iteration") != exp.CurrentIteration {
		return model.Experiment{}, queue.AbortBy("iteration",
			fmt.Sprintf("job for iteration %d, experiment at %d", job.PayloadInt("iteration"), exp.CurrentIteration))
	}
	return exp, nil
}

// Guard runs the kill switch, budget and admission checks for exp. Budget
// exhaustion pauses the experiment; admission pressure defers the job.
func (r *Runner) Guard(ctx context.Context, exp model.Experiment) error {
	if r.kill != nil {
		halted, err := r.kill.HaltedFor(ctx, exp.TeamID)
		if err != nil {
			return fmt.Errorf("pipeline: kill switch: %w", err)
		}
		if halted {
			telemetry.Engine().RecordGuardAbort(ctx, "kill_switch")
			return queue.AbortBy("kill_switch", "processing halted")
		}
	}

	if r.budget != nil {
		st, err := r.budget.Check(ctx, exp)
		if err != nil {
			return err
		}
		if !st.OK {
			return r.pauseForBudget(ctx, exp, st.Reason)
		}
	}

	if wait, err := r.admission.Admit(ctx, exp.TeamID); err != nil {
		return err
	} else if wait > 0 {
		telemetry.Engine().RecordGuardAbort(ctx, "admission")
		return queue.Defer(wait, "team admission pool exhausted")
	}
	return nil
}

func (r *Runner) lease(ctx context.Context, experimentID uuid.UUID, owner string) (func(), error) {
	key := "experiment:" + experimentID.String()
	ok, err := r.store.AcquireLease(ctx, key, owner, r.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("pipeline: acquire lease: %w", err)
	}
	if !ok {
		return nil, queue.Defer(r.cfg.BusyDelay, "experiment busy")
	}
	return func() {
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), key, owner); err != nil {
			r.logger.Warn("pipeline: release lease", "key", key, "error", err)
		}
	}, nil
}

func (r *Runner) pauseForBudget(ctx context.Context, exp model.Experiment, detail string) error {
	telemetry.Engine().RecordGuardAbort(ctx, "budget")
	if exp.Status.IsPausable() {
		_, err := r.machine.Transition(ctx, exp.ID, model.StatusPaused,
			lifecycle.WithReason("budget exhausted"),
			lifecycle.WithActor(SystemActor),
			lifecycle.WithMetadata(map[string]any{"detail": detail, "auto_paused": true}))
		if err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			return err
		}
		r.logger.Warn("pipeline: experiment auto-paused", "experiment_id", exp.ID, "detail", detail)
	}
	return queue.AbortBy("budget", detail)
}

// PauseIfExhausted pauses exp when err reports an exhausted budget and
// returns the resulting abort. Any other error is returned unchanged.
func (r *Runner) PauseIfExhausted(ctx context.Context, exp model.Experiment, err error) error {
	if !budgetExhausted(err) {
		return err
	}
	return r.pauseForBudget(ctx, exp, err.Error())
}

func budgetExhausted(err error) bool {
	return errors.Is(err, budget.ErrInsufficient) || errors.Is(err, budget.ErrCapReached)
}

// failureReasonLimit caps the transition reason written by the failure hook.
const failureReasonLimit = 250

func (r *Runner) onFailure(ctx context.Context, s Strategy, job model.Job, cause error) {
	failed, ok := lifecycle.FailedStateFor(s.StageType)
	if !ok {
		r.logger.Error("pipeline: stage exhausted retries", "experiment_id", job.ExperimentID, "stage", s.StageType, "error", cause)
		return
	}
	exp, err := r.store.GetExperiment(ctx, job.ExperimentID)
	if err != nil || exp.Status.IsTerminal() {
		return
	}
	reason := Truncate("Stage failed: "+cause.Error(), failureReasonLimit)
	if _, err := r.machine.Transition(ctx, exp.ID, failed, lifecycle.WithReason(reason), lifecycle.WithActor(SystemActor)); err != nil {
		r.logger.Error("pipeline: transition to failed state", "experiment_id", exp.ID, "to", failed, "error", err)
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
