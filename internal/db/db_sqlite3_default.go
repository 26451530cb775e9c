//go:build !sqlite3_cgo

package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Default build: SQLite compiled to wasm, no cgo toolchain needed.
const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)
