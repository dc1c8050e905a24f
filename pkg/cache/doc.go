// Package cache provides a Redis-backed cache for secondary API lookups.
//
// Secondary lookups (license, readme and code search for a repository) are
// repeated whenever a crawl window is replayed after a resume. Caching their
// responses keeps a replay from spending rate budget a second time.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key, err := cache.KeyFromURL("https://api.github.com/repos/o/r/license")
//	if err != nil {
//		return err
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then manager.Put(ctx, key, url, body, header, ttl)
//	}
//
// An entry keeps the body and the headers needed to decode and paginate it.
// Rate limit headers are dropped. Entries expire through the Redis TTL
// derived from Entry.Expires, so no background cleanup is needed.
//
// # Metrics
//
//   - partcrawl_cache_hits_total{kind}
//   - partcrawl_cache_misses_total{kind}
//   - partcrawl_cache_errors_total{operation}
//
// kind is one of design_files, license, readme or other.
package cache
