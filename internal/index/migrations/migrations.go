// Package migrations embeds the SQLite schema for the index outbox.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
