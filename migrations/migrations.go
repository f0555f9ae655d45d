// Package migrations embeds the SQL migration files so the compiled
// walletd binary carries its own schema history instead of depending on
// a migrations/ directory being present on disk at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
