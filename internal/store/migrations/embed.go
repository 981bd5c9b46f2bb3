// Package migrations embeds the SQL schema for the database-backed token stores.
package migrations

import "embed"

// FS contains the migration files, one directory per driver.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
