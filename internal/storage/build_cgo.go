//go:build cgo_sqlite

package storage

// This file is compiled when building with the cgo_sqlite tag.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "cgo_sqlite sqlite_fts5" ./...
//
// The sqlite_fts5 tag is required: the lexical index uses an FTS5 trigram
// table. Driver used: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)
