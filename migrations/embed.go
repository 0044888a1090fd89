// Package migrations embeds the Postgres archive schema. SQLite archives
// create their schema inline.
package migrations

import "embed"

// FS holds the forward-only migrations, applied in file name order.
//
//go:embed *.sql
var FS embed.FS
