// Package storage persists the product catalog and serves the vector and
// lexical retrieval signals.
//
// Two backends implement Store:
//   - SQLite (default): products table plus an FTS5 trigram index over the
//     folded search text. Cosine similarity is computed in Go over the
//     embedded rows.
//   - PostgreSQL: pgvector column with an HNSW cosine index and a pg_trgm GIN
//     index over the search text.
//
// Both backends fetch a generous lexical candidate pool and rank it with the
// same text similarity function, so lexical scores mean the same thing on
// either backend.
//
// # Basic Usage
//
//	store, err := storage.Open(ctx, storage.Options{
//	    Driver:     storage.DriverSQLite,
//	    SQLitePath: "catalog.db",
//	    Dimension:  emb.Dimension(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// # Transactions
//
// A sync batch is written in one transaction:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	for _, p := range changed {
//	    if err := tx.UpsertProduct(ctx, p); err != nil {
//	        return err
//	    }
//	}
//	if err := tx.TouchSynced(ctx, unchangedIDs, runID, now); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// # Embedding Dimension
//
// The dimension is fixed when a catalog is created and recorded in the
// catalog_meta table. Reopening with another dimension, storing a vector of
// the wrong length or querying with one fails with types.ErrDimensionMismatch.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with
// -tags "cgo_sqlite sqlite_fts5" switches to github.com/mattn/go-sqlite3.
package storage
