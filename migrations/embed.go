// Package migrations embeds the SQL schema migrations into the binary.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS holds the *.up.sql files at its root, ready for database.DB.Migrate.
var FS = files
