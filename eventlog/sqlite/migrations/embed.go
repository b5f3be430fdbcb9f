// Package migrations holds the event log schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
