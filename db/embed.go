// Package db embeds the SQL migrations applied at startup.
package db

import "embed"

// Migrations holds migrations/*.sql. Files are applied in name order and
// must be safe to re-run.
//
//go:embed migrations/*.sql
var Migrations embed.FS
