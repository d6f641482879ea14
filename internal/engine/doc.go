// Package engine assembles the catalog store, embedding client, cache layer,
// upstream source, syncer and searcher into one facade.
//
// The chat layer only needs Search; the ops layer uses TriggerSync and
// Status. A cron scheduler can call TriggerSync periodically:
//
//	cfg, err := config.Load(".env")
//	eng, err := engine.New(ctx, cfg, log)
//	defer eng.Close()
//
//	if err := eng.StartScheduler(); err != nil {
//	    return err
//	}
//	resp, err := eng.Search(ctx, "paracetamol 500", eng.DefaultOptions())
//
// Without REDIS_ADDR the cache and the sync lease live in process. With it,
// search results, embeddings and the lease are shared by every instance.
package engine
