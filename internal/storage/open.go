package storage

import (
	"context"
	"fmt"
)

// Drivers accepted by Open
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a Store backend
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	Dimension   int
	MaxConns    int32
}

// Open returns the Store for opts.Driver
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		s, err := NewSQLiteStorage(opts.SQLitePath, opts.Dimension)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := NewPostgresStorage(ctx, opts.PostgresDSN, opts.Dimension, opts.MaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
