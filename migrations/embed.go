// Package migrations embeds the SQL schema files into the binary.
//
// Pass FS to database.DB.Migrate; the .sql files sit at its root.
package migrations

import "embed"

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
