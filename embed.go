// Package warehouse embeds the database migration files so they ship inside
// the compiled binary.
package warehouse

import "embed"

//go:embed db/migrations/*.sql
var MigrationsFS embed.FS
