package migrations

import "embed"

// Files exposes the SQL migrations for fleet databases that are provisioned
// ahead of time instead of letting the daemon create its own schema.
//
//go:embed *.sql
var Files embed.FS
