// Package migrations embeds the SQL fixtures that build the durable
// store's schema (C1, §3 of the specification). Discovered by
// storage.NewMigrator, which cmd/migrate runs; the server does not
// migrate at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
