// Package jikken provides the experiment lifecycle engine as an embeddable library.
//
// Use New to create an App with optional extension points (custom generator,
// delivery connectors, engagement source, object store). Call Run to start the
// job workers and maintenance sweeps; Run blocks until ctx is cancelled.
//
//	app, err := jikken.New(
//	    jikken.WithLogger(logger),
//	    jikken.WithConnector(mySlackConnector),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
package jikken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/jikken/internal/breaker"
	"github.com/ashita-ai/jikken/internal/budget"
	"github.com/ashita-ai/jikken/internal/config"
	"github.com/ashita-ai/jikken/internal/generation"
	"github.com/ashita-ai/jikken/internal/killswitch"
	"github.com/ashita-ai/jikken/internal/lifecycle"
	"github.com/ashita-ai/jikken/internal/maintenance"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/objectstore"
	"github.com/ashita-ai/jikken/internal/outbound"
	"github.com/ashita-ai/jikken/internal/pipeline"
	"github.com/ashita-ai/jikken/internal/playbook"
	"github.com/ashita-ai/jikken/internal/queue"
	"github.com/ashita-ai/jikken/internal/ratelimit"
	"github.com/ashita-ai/jikken/internal/storage"
	"github.com/ashita-ai/jikken/internal/storage/memstore"
	"github.com/ashita-ai/jikken/internal/telemetry"
	"github.com/ashita-ai/jikken/migrations"
)

var (
	// ErrNotFound is returned when an experiment does not exist.
	ErrNotFound = storage.ErrNotFound
	// ErrInvalidTransition is wrapped by every refused lifecycle operation.
	ErrInvalidTransition = lifecycle.ErrInvalidTransition
)

// GlobalScope is the kill-switch scope that halts every team.
const GlobalScope = killswitch.GlobalScope

// TeamScope returns the kill-switch scope of one team.
func TeamScope(teamID uuid.UUID) string { return killswitch.TeamScope(teamID) }

const (
	defaultMaxIterations    = 3
	defaultMaxOutboundCount = 100
)

// App is a running jikken engine.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	version      string
	db           *storage.DB
	store        storage.Store
	machine      *lifecycle.Machine
	budget       *budget.Guard
	kill         *killswitch.Switch
	admission    *ratelimit.Pool
	playbooks    *playbook.Executor
	sweeper      *maintenance.Sweeper
	pool         *queue.Pool
	otelShutdown telemetry.Shutdown

	sweepDone chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

// New creates and initializes a new jikken App.
// It loads configuration from environment variables, connects to the store,
// runs migrations, and wires the stage pipeline onto the job queues.
// Call Run to start processing.
func New(opts ...Option) (*App, error) {
	// Load .env before config so local runs behave like deployed ones.
	// Silent on missing file; real env vars take precedence (godotenv does not override).
	_ = godotenv.Load()

	o := &resolvedOptions{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Parse()
	if err != nil {
		return nil, fmt.Errorf("jikken: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.memoryStore {
		cfg.Store = "memory"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("jikken: %w", err)
	}

	version := o.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("jikken: telemetry: %w", err)
	}

	db, store, err := openStore(ctx, cfg, o, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	closeAll := func() {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(ctx)
	}

	objects, err := newObjectStore(ctx, cfg, o, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	machine := lifecycle.New(store, logger, lifecycle.Config{
		MaxRetriesPerStage: cfg.MaxRetriesPerStage,
		MaxRejectionCycles: cfg.MaxRejectionCycles,
	})
	guard := budget.New(store, logger)

	registry := outbound.NewRegistry(outbound.NewLogConnector(logger))
	for _, c := range o.connectors {
		registry.Register(&connectorAdapter{inner: c})
	}
	if cfg.WebhookURL != "" {
		registry.Register(outbound.NewWebhookConnector(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookChannels...))
	}
	sender := outbound.NewSender(store, registry, logger)

	var engagement pipeline.EngagementSource
	if o.engagement != nil {
		engagement = &engagementAdapter{inner: o.engagement}
	}

	kill := killswitch.New(store, cfg.KillSwitchTTL)
	admission := ratelimit.NewPool(ratelimit.DefaultPool, cfg.AdmissionPerMin)

	runner := pipeline.NewRunner(pipeline.Deps{
		Store:      store,
		Machine:    machine,
		Budget:     guard,
		KillSwitch: kill,
		Admission:  admission,
		Generator:  newGenerator(cfg, o, store, logger),
		Objects:    objects,
		Sender:     sender,
		Engagement: engagement,
		Logger:     logger,
	}, pipeline.Config{
		GenerationTimeout: cfg.GenerationTimeout,
		LeaseTTL:          cfg.LeaseTTL,
		BusyDelay:         cfg.BusyDelay,
		ScoreThreshold:    cfg.ScoreThreshold,
		DefaultProvider:   cfg.DefaultProvider,
		DefaultModel:      cfg.DefaultModel,
	})
	runner.RegisterDefaults()

	playbooks := playbook.New(store, machine, runner, logger, playbook.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		BusyDelay:         cfg.BusyDelay,
	})

	sweeper := maintenance.New(store, machine, logger, maintenance.Config{
		IdempotencyInterval:     cfg.IdempotencyCleanupInterval,
		IdempotencyCompletedTTL: cfg.IdempotencyCompletedTTL,
		IdempotencyAbandonedTTL: cfg.IdempotencyAbandonedTTL,
		ApprovalInterval:        cfg.ApprovalSweepInterval,
		ApprovalTTL:             cfg.ApprovalTTL,
		StuckStageInterval:      cfg.StuckStageInterval,
		StuckStageAfter:         cfg.StuckStageAfter,
		DeadJobInterval:         cfg.DeadJobInterval,
		DeadJobRetention:        cfg.DeadJobRetention,
	})

	pool := queue.New(store, logger, queue.Config{
		Concurrency: map[string]int{
			model.QueueExperiments: cfg.ExperimentWorkers,
			model.QueueAI:          cfg.AIWorkers,
			model.QueueOutbound:    cfg.OutboundWorkers,
			model.QueueMetrics:     cfg.MetricsWorkers,
		},
		PollInterval: cfg.PollInterval,
		Lease:        cfg.JobLease,
	})
	runner.Mount(pool)
	playbooks.Mount(pool)
	pool.Handle(model.JobExperimentIterate, queue.Handler{Run: machine.HandleIterate})

	logger.Info("jikken: initialized",
		"version", version,
		"store", cfg.Store,
		"connectors", registry.Names(),
	)

	return &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		db:           db,
		store:        store,
		machine:      machine,
		budget:       guard,
		kill:         kill,
		admission:    admission,
		playbooks:    playbooks,
		sweeper:      sweeper,
		pool:         pool,
		otelShutdown: otelShutdown,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, o *resolvedOptions, logger *slog.Logger) (*storage.DB, storage.Store, error) {
	if cfg.Store == "memory" {
		logger.Warn("jikken: using in-memory store, state will not survive a restart")
		return nil, memstore.New(), nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, storage.PoolOptions{
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("jikken: storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("jikken: migrations: %w", err)
	}
	for i, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("jikken: extra migrations [%d]: %w", i, err)
		}
	}
	return db, db, nil
}

func newObjectStore(ctx context.Context, cfg config.Config, o *resolvedOptions, logger *slog.Logger) (objectstore.Store, error) {
	switch {
	case o.objects != nil:
		return o.objects, nil
	case cfg.MinIOEndpoint != "":
		s, err := objectstore.NewMinIOStore(ctx, objectstore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Region:    cfg.MinIORegion,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("jikken: object store: %w", err)
		}
		return s, nil
	default:
		logger.Warn("jikken: JIKKEN_MINIO_ENDPOINT not set, artifact content kept in memory")
		return objectstore.NewMemoryStore(), nil
	}
}

// newGenerator builds the provider router, or puts the caller's generator
// behind the same circuit breaker.
func newGenerator(cfg config.Config, o *resolvedOptions, store storage.Store, logger *slog.Logger) generation.Client {
	b := breaker.New(store, breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}, logger, breaker.WithIgnore(generation.IsRateLimited))
	if o.generator != nil {
		return generation.Guarded(b, &generatorAdapter{inner: o.generator})
	}

	router := generation.NewRouter(b, logger, fallbackTargets(cfg)...)
	if cfg.OpenAIAPIKey != "" {
		router.Register("openai", generation.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, "gpt-4o-mini"))
	}
	if cfg.GoogleAPIKey != "" {
		router.Register("google", generation.NewGoogle(cfg.GoogleAPIKey, "", "gemini-2.5-flash"))
	}
	if len(router.Providers()) == 0 {
		logger.Warn("jikken: no generation provider configured (OPENAI_API_KEY, GOOGLE_API_KEY), AI stages will fail")
	}
	return router
}

// fallbackTargets lists one target per configured provider, in preference order.
func fallbackTargets(cfg config.Config) []generation.Target {
	var out []generation.Target
	if cfg.OpenAIAPIKey != "" {
		out = append(out, generation.Target{Provider: "openai", Model: "gpt-4o-mini"})
	}
	if cfg.GoogleAPIKey != "" {
		out = append(out, generation.Target{Provider: "google", Model: "gemini-2.5-flash"})
	}
	return out
}

// Run starts the job workers and maintenance sweeps and blocks until ctx is
// cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)

	a.sweepDone = make(chan struct{})
	go func() {
		defer close(a.sweepDone)
		if err := a.sweeper.Run(ctx); err != nil {
			a.logger.Error("jikken: maintenance stopped", "error", err)
		}
	}()

	a.logger.Info("jikken: running", "queues", a.pool.Queues())
	<-ctx.Done()

	a.logger.Info("jikken: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown drains in-flight jobs and releases resources.
// Safe to call more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.pool.Drain(ctx)
		if a.sweepDone != nil {
			select {
			case <-a.sweepDone:
			case <-ctx.Done():
				a.logger.Warn("jikken: maintenance did not stop before deadline")
			}
		}
		a.kill.Close()
		if err := a.admission.Close(); err != nil {
			a.logger.Warn("jikken: admission close failed", "error", err)
		}
		if err := a.otelShutdown(ctx); err != nil {
			a.stopErr = fmt.Errorf("jikken: telemetry shutdown: %w", err)
		}
		if a.db != nil {
			a.db.Close()
		}
		a.logger.Info("jikken: stopped")
	})
	return a.stopErr
}

// Version returns the version string the App was built with.
func (a *App) Version() string { return a.version }

// CreateExperiment stores a new draft experiment.
func (a *App) CreateExperiment(ctx context.Context, in NewExperiment) (Experiment, error) {
	if in.TeamID == uuid.Nil {
		return Experiment{}, errors.New("jikken: team id is required")
	}
	if in.Title == "" {
		return Experiment{}, errors.New("jikken: title is required")
	}
	if in.MaxIterations <= 0 {
		in.MaxIterations = defaultMaxIterations
	}
	if in.MaxOutboundCount <= 0 {
		in.MaxOutboundCount = defaultMaxOutboundCount
	}
	if in.BudgetCap < 0 {
		return Experiment{}, errors.New("jikken: budget cap must not be negative")
	}
	now := time.Now().UTC()
	exp, err := a.store.CreateExperiment(ctx, model.Experiment{
		ID:               uuid.New(),
		TeamID:           in.TeamID,
		Title:            in.Title,
		Thesis:           in.Thesis,
		Track:            in.Track,
		Status:           model.StatusDraft,
		MaxIterations:    in.MaxIterations,
		BudgetCap:        in.BudgetCap,
		MaxOutboundCount: in.MaxOutboundCount,
		Constraints:      orEmpty(in.Constraints),
		SuccessCriteria:  orEmpty(in.SuccessCriteria),
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return Experiment{}, fmt.Errorf("jikken: create experiment: %w", err)
	}
	return experimentFromModel(exp), nil
}

// Experiment returns the current state of an experiment.
func (a *App) Experiment(ctx context.Context, id uuid.UUID) (Experiment, error) {
	exp, err := a.store.GetExperiment(ctx, id)
	if err != nil {
		return Experiment{}, fmt.Errorf("jikken: get experiment: %w", err)
	}
	return experimentFromModel(exp), nil
}

// Start moves a draft (or signal-detected) experiment into scoring, which
// enqueues the first stage.
func (a *App) Start(ctx context.Context, id uuid.UUID, actor string) (Experiment, error) {
	return wrap(a.machine.Transition(ctx, id, model.StatusScoring,
		lifecycle.WithReason("Experiment started"), lifecycle.WithActor(actor)))
}

// Approve releases an experiment awaiting approval into execution.
func (a *App) Approve(ctx context.Context, id uuid.UUID, actor string) (Experiment, error) {
	return wrap(a.machine.Approve(ctx, id, actor))
}

// Reject sends an experiment back to planning with feedback, subject to the
// rejection-cycle limit.
func (a *App) Reject(ctx context.Context, id uuid.UUID, feedback, actor string) (Experiment, error) {
	return wrap(a.machine.Reject(ctx, id, feedback, actor))
}

// Kill terminates an experiment from any non-terminal state.
func (a *App) Kill(ctx context.Context, id uuid.UUID, reason, actor string) (Experiment, error) {
	return wrap(a.machine.Kill(ctx, id, reason, actor))
}

// Pause suspends a working experiment.
func (a *App) Pause(ctx context.Context, id uuid.UUID, reason, actor string) (Experiment, error) {
	return wrap(a.machine.Pause(ctx, id, reason, actor))
}

// Resume returns a paused experiment to the state it was paused from.
func (a *App) Resume(ctx context.Context, id uuid.UUID, actor string) (Experiment, error) {
	return wrap(a.machine.Resume(ctx, id, actor))
}

// Retry re-enters the stage a failed experiment failed in.
func (a *App) Retry(ctx context.Context, id uuid.UUID, actor string) (Experiment, error) {
	return wrap(a.machine.Retry(ctx, id, actor))
}

// RetryFromStep reruns a failed playbook from stepID onward. Earlier steps
// keep their output.
func (a *App) RetryFromStep(ctx context.Context, id, stepID uuid.UUID, actor string) (Experiment, error) {
	return wrap(a.playbooks.RetryFromStep(ctx, id, stepID, actor))
}

// InstallPlaybook replaces the experiment's planned steps with the steps of
// a YAML playbook definition. It returns the number of steps installed.
func (a *App) InstallPlaybook(ctx context.Context, id uuid.UUID, definition []byte) (int, error) {
	def, err := playbook.LoadDefinition(definition)
	if err != nil {
		return 0, fmt.Errorf("jikken: %w", err)
	}
	exp, err := a.store.GetExperiment(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("jikken: get experiment: %w", err)
	}
	steps, err := a.playbooks.Install(ctx, exp, def)
	if err != nil {
		return 0, fmt.Errorf("jikken: install playbook: %w", err)
	}
	return len(steps), nil
}

// SetKillSwitch activates or clears the kill switch for scope (GlobalScope
// or TeamScope). Running stages notice within the switch cache TTL.
func (a *App) SetKillSwitch(ctx context.Context, scope string, active bool, reason string) error {
	if err := a.kill.Set(ctx, scope, active, reason); err != nil {
		return fmt.Errorf("jikken: kill switch: %w", err)
	}
	a.logger.Warn("jikken: kill switch changed", "scope", scope, "active", active, "reason", reason)
	return nil
}

// Grant credits a team's balance and returns the new available amount.
func (a *App) Grant(ctx context.Context, teamID uuid.UUID, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("jikken: grant amount must be positive")
	}
	if _, err := a.budget.Grant(ctx, teamID, amount, description); err != nil {
		return 0, fmt.Errorf("jikken: grant: %w", err)
	}
	return a.Balance(ctx, teamID)
}

// Balance returns a team's available credits.
func (a *App) Balance(ctx context.Context, teamID uuid.UUID) (int64, error) {
	n, err := a.budget.Available(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("jikken: balance: %w", err)
	}
	return n, nil
}

func wrap(exp model.Experiment, err error) (Experiment, error) {
	if err != nil {
		return Experiment{}, err
	}
	return experimentFromModel(exp), nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Adapters: convert between public types and internal types ---

func experimentFromModel(e model.Experiment) Experiment {
	out := Experiment{
		ID:               e.ID,
		TeamID:           e.TeamID,
		Title:            e.Title,
		Thesis:           e.Thesis,
		Track:            e.Track,
		Status:           Status(e.Status),
		CurrentIteration: e.CurrentIteration,
		MaxIterations:    e.MaxIterations,
		BudgetCap:        e.BudgetCap,
		BudgetSpent:      e.BudgetSpent,
		BudgetHeld:       e.BudgetHeld,
		OutboundCount:    e.OutboundCount,
		MaxOutboundCount: e.MaxOutboundCount,
		Constraints:      e.Constraints,
		SuccessCriteria:  e.SuccessCriteria,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		KilledAt:         e.KilledAt,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	if e.PausedFromStatus != nil {
		out.PausedFrom = Status(*e.PausedFromStatus)
	}
	return out
}

// generatorAdapter wraps a public Generator to satisfy generation.Client.
type generatorAdapter struct {
	inner Generator
}

func (g *generatorAdapter) Complete(ctx context.Context, req generation.Request) (generation.Response, error) {
	resp, err := g.inner.Complete(ctx, GenerationRequest{
		Provider:       req.Provider,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		UserPrompt:     req.UserPrompt,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		CorrelationIDs: req.CorrelationIDs,
	})
	if err != nil {
		return generation.Response{}, err
	}
	out := generation.Response{
		Provider: req.Provider,
		Model:    req.Model,
		Content:  resp.Content,
		Usage:    generation.Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
	}
	if m, err := generation.ParseJSON(resp.Content); err == nil {
		out.Parsed = m
	}
	return out, nil
}

// connectorAdapter wraps a public Connector to satisfy outbound.Connector.
type connectorAdapter struct {
	inner Connector
}

func (c *connectorAdapter) Name() string { return c.inner.Name() }

func (c *connectorAdapter) Supports(channel string) bool { return c.inner.Supports(channel) }

func (c *connectorAdapter) Send(ctx context.Context, p model.OutboundProposal) (outbound.Result, error) {
	d, err := c.inner.Send(ctx, Proposal{
		ID:           p.ID,
		ExperimentID: p.ExperimentID,
		TeamID:       p.TeamID,
		Iteration:    p.Iteration,
		Channel:      p.Channel,
		Target:       p.Target,
		Content:      p.Content,
	})
	if err != nil {
		return outbound.Result{}, err
	}
	return outbound.Result{ExternalID: d.ExternalID, Response: d.Response}, nil
}

// engagementAdapter wraps a public EngagementSource to satisfy pipeline.EngagementSource.
type engagementAdapter struct {
	inner EngagementSource
}

func (e *engagementAdapter) Name() string { return "custom" }

func (e *engagementAdapter) Engagement(ctx context.Context, a model.OutboundAction) (float64, bool, error) {
	return e.inner.Engagement(ctx, Action{
		ID:           a.ID,
		ExperimentID: a.ExperimentID,
		ProposalID:   a.ProposalID,
		Connector:    a.Connector,
		Channel:      a.Channel,
		ExternalID:   a.ExternalID,
		SentAt:       a.SentAt,
	})
}
