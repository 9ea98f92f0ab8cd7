//go:build cgo && duckdb && linux && (amd64 || arm64)

// DuckDB is only enabled for Linux builds behind the duckdb tag so the
// default build stays CGO-free and cross compilation stays predictable.
// Build examples:
//
//	CGO_ENABLED=1 GOOS=linux GOARCH=amd64 go build -tags duckdb
//	CGO_ENABLED=1 GOOS=linux GOARCH=arm64 go build -tags duckdb
package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)
