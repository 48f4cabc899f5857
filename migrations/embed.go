// Package migrations embeds the SQL migration files so they apply
// regardless of the working directory the binary starts from.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
