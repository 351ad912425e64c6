package pagecache

// SwapDaemon is the one-way hook GetFreePage calls when the free list runs
// dry, standing in for Fiwix's wakeup(&kswapd): the page cache asks the
// swap daemon, which drives buffer reclaim, and buffer writeback never
// calls back into the page cache. Wiring this interface to
// *bufcache.Cache.Reclaim lives in the kcache package, not here, so the
// SwapDaemon coupling stays strictly one-way even though pagecache itself
// still imports bufcache directly for BReadPage's block reads.
type SwapDaemon interface {
	// Reclaim asks the daemon to free backing frames elsewhere in the
	// system and returns how many it actually freed.
	Reclaim() int
}

// NoopSwapDaemon reclaims nothing; used when a Cache is built with no
// upstream buffer cache to relieve (e.g. in isolated pagecache tests).
type NoopSwapDaemon struct{}

func (NoopSwapDaemon) Reclaim() int { return 0 }
