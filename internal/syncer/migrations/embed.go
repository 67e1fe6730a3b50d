package migrations

import "embed"

// FS contains the outbox journal schema.
//
//go:embed *.sql
var FS embed.FS
