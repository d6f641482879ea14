// Package types provides the domain types shared by the catalog engine and
// its callers.
//
// # Core Types
//
// Product is a catalog entry keyed by the upstream identifier. Stock status
// is never stored; it is derived from Available on read:
//
//	p := &types.Product{
//	    ID:        "10234",
//	    Name:      "Paracetamol 500mg",
//	    Price:     decimal.RequireFromString("2500"),
//	    Available: 7,
//	    Active:    true,
//	}
//	p.StockStatus(types.DefaultLowWaterMark) // LOW_STOCK
//
// SearchResponse is the only shape Search returns. SearchMetadata reports
// which signals contributed and whether the response is degraded.
//
// SyncSummary reports one sync run: per-page SyncBatch counts, totals and
// whether pagination completed naturally.
//
// # Errors
//
// Callers classify failures with errors.Is:
//   - ErrValidation (and ErrEmptyQuery, ErrInvalidOptions): bad input, never retried
//   - ErrStoreUnavailable: neither search signal could be served
//   - ErrSyncUnavailable: the upstream failed and the sync run was aborted
//   - ErrSyncRecord: one upstream record was rejected, the run continued
//   - ErrDimensionMismatch: configuration error between model and store
package types
