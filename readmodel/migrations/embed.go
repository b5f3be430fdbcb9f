// Package migrations holds the read model schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
