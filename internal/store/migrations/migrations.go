// Package migrations embeds the gateway schema for golang-migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
