// Package migrations holds the clinic schema migrations applied by
// "visit-server migrate up" and "visit-server tenant create".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
