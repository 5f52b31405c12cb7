// Package migrations embeds the engine schema.
// Files apply in name order; see storage.DB.RunMigrations.
package migrations

import "embed"

// FS is the embedded migrations filesystem (e.g. 001_initial.sql).
//
//go:embed *.sql
var FS embed.FS
