// Package syncer reconciles the local catalog with the upstream listing.
//
// A run pages through the upstream source until an empty page or the page
// guard, maps each record, re-embeds products whose descriptive text changed
// and upserts everything in one transaction per page. Runs are exclusive:
// within the process through RunLock, across processes through a lease from
// the shared cache.
package syncer
