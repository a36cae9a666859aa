// Package migrations embeds the SQL migration files for the archive database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
