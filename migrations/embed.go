// Package migrations embeds the Postgres schema so the binary can migrate
// without the SQL files on disk.
package migrations

import "embed"

// FS holds every NNN_name.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
