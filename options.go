package jikken

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	databaseURL     string
	memoryStore     bool
	logger          *slog.Logger
	version         string
	generator       Generator
	connectors      []Connector
	engagement      EngagementSource
	objects         ObjectStore
	extraMigrations []fs.FS
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithMemoryStore keeps all state in process memory (JIKKEN_STORE=memory).
// Nothing survives a restart; use it for demos and tests.
func WithMemoryStore() Option {
	return func(o *resolvedOptions) { o.memoryStore = true }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerator replaces the configured generation providers.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithConnector registers a delivery connector.
// Multiple connectors may be registered; the first one supporting a channel wins.
func WithConnector(c Connector) Option {
	return func(o *resolvedOptions) { o.connectors = append(o.connectors, c) }
}

// WithEngagementSource sets where engagement metrics come from.
// Without one, only delivery metrics are collected.
func WithEngagementSource(s EngagementSource) Option {
	return func(o *resolvedOptions) { o.engagement = s }
}

// WithObjectStore replaces the artifact content store.
func WithObjectStore(s ObjectStore) Option {
	return func(o *resolvedOptions) { o.objects = s }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after the built-in migrations.
// Multiple filesystems may be registered; they are applied in registration order.
// Ignored with the memory store.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
