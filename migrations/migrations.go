// Package migrations embeds the scheduling store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
