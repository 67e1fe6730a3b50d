package migrations

import "embed"

// FS contains the remote progress store schema.
//
//go:embed *.sql
var FS embed.FS
