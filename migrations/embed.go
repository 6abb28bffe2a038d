// Package migrations embeds the goose SQL migrations so the server binary
// and tests can apply them without a checkout.
package migrations

import "embed"

// FS holds every *.sql migration at the package root.
//
//go:embed *.sql
var FS embed.FS
