// Package migrations embeds the SQL schema for the iofs migrate source.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
