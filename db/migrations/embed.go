package migrations

import "embed"

// Files contains the observation schema migrations, applied in filename order.
//
//go:embed *.sql
var Files embed.FS
