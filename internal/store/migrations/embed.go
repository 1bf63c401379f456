package migrations

import "embed"

// FS contains the embedded SQLite schema for the clip ledger.
//
//go:embed *.sql
var FS embed.FS
