// Package bufcache implements the block buffer cache: a fixed table of
// buffer entries, hashed by (dev, block), that sits between the page cache
// / filesystem layer and real block devices. It is grounded on Fiwix's
// fs/buffer.c (getblk, bread, bwrite, brelse, sync_buffers,
// invalidate_buffers, reclaim_buffers) for algorithm shape, and on the
// teacher's buffer_pool package (container/list-based hash/LRU/free-list
// bookkeeping, Op/Kind-classified errors) for Go idiom.
package bufcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"kcache/blockdev"
	"kcache/logger"
)

// Cache is the block buffer cache. The coordination lock (mu) stands in for
// the kernel's interrupt-disabled critical sections; the two condition
// variables stand in for its coarse wait channels ("any buffer unlocked",
// "any buffer freed"). syncMu serializes Sync passes the way the original
// serializes them by never re-entering sync_buffers for the same device
// concurrently.
type Cache struct {
	mu       sync.Mutex
	lockCond *sync.Cond
	freeCond *sync.Cond
	syncMu   sync.Mutex

	cfg     Config
	devices *blockdev.Table
	alloc   blockdev.FrameAllocator

	table   []*Buffer
	buckets []*list.List
	free    *list.List
	dirty   *list.List

	framesAllocated int
}

// New builds a Cache with cfg.TableSize preallocated entries, all unhashed
// and on the free list, with no data frame bound yet.
func New(cfg Config, devices *blockdev.Table, alloc blockdev.FrameAllocator) *Cache {
	cfg = cfg.WithDefaults()
	c := &Cache{
		cfg:     cfg,
		devices: devices,
		alloc:   alloc,
		table:   make([]*Buffer, cfg.TableSize),
		buckets: make([]*list.List, cfg.HashBuckets),
		free:    list.New(),
		dirty:   list.New(),
	}
	c.lockCond = sync.NewCond(&c.mu)
	c.freeCond = sync.NewCond(&c.mu)
	for i := range c.buckets {
		c.buckets[i] = list.New()
	}
	for i := range c.table {
		b := &Buffer{index: i}
		c.table[i] = b
		b.freeElem = c.free.PushBack(b)
	}
	return c
}

// Stats is a point-in-time snapshot of the cache's memory footprint:
// buffers_kib and dirty_kib.
type Stats struct {
	BuffersKB uint64
	DirtyKB   uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	const kb = blockdev.PageSize / 1024
	return Stats{
		BuffersKB: uint64(c.framesAllocated) * kb,
		DirtyKB:   uint64(c.dirty.Len()) * kb,
	}
}

func (c *Cache) bucket(dev, block uint32) *list.List {
	idx := int((dev ^ block) % uint32(len(c.buckets)))
	return c.buckets[idx]
}

// searchHashLocked requires mu held. It scans the bucket for an exact
// (dev, block, size) match; size is not part of the hash index itself
// (BUFFER_HASH only folds in dev and block) but is still checked here
// during the linear scan, same as Fiwix's find_buffer.
func (c *Cache) searchHashLocked(dev, block, size uint32) *Buffer {
	for e := c.bucket(dev, block).Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.Dev == dev && b.Block == block && b.Size == size {
			return b
		}
	}
	return nil
}

func (c *Cache) insertHashLocked(b *Buffer) {
	b.hashElem = c.bucket(b.Dev, b.Block).PushFront(b)
}

func (c *Cache) removeHashLocked(b *Buffer) {
	if b.hashElem == nil {
		return
	}
	c.bucket(b.Dev, b.Block).Remove(b.hashElem)
	b.hashElem = nil
}

func (c *Cache) insertFreeLocked(b *Buffer, front bool) {
	if front {
		b.freeElem = c.free.PushFront(b)
	} else {
		b.freeElem = c.free.PushBack(b)
	}
}

func (c *Cache) removeFreeLocked(b *Buffer) {
	if b.freeElem == nil {
		return
	}
	c.free.Remove(b.freeElem)
	b.freeElem = nil
}

func (c *Cache) insertDirtyLocked(b *Buffer) {
	if b.dirtyElem != nil {
		return
	}
	b.dirtyElem = c.dirty.PushFront(b)
}

func (c *Cache) removeDirtyLocked(b *Buffer) {
	if b.dirtyElem == nil {
		return
	}
	c.dirty.Remove(b.dirtyElem)
	b.dirtyElem = nil
}

// releaseLocked requires mu held. It is the shared tail of BRelse: dirty
// entries join the dirty list, invalid entries go to the free-list head so
// they're reused before anything still valid.
func (c *Cache) releaseLocked(b *Buffer) {
	if b.IsDirty() {
		c.insertDirtyLocked(b)
	}
	c.insertFreeLocked(b, !b.IsValid())
	b.flags &^= Locked
}

// BRelse unlocks b and returns it to the free list.
func (c *Cache) BRelse(b *Buffer) {
	c.mu.Lock()
	c.releaseLocked(b)
	c.mu.Unlock()
	c.lockCond.Broadcast()
	c.freeCond.Broadcast()
}

// GetBlk returns the buffer for (dev, block, size), locked for the caller's
// exclusive use, allocating and rebinding a free entry on a miss (Fiwix's
// getblk). It never reads from the device: on a miss the rebound entry has
// VALID cleared (a dirty entry being reused is written back first), and
// callers needing contents use BRead.
func (c *Cache) GetBlk(dev, block, size uint32) (*Buffer, error) {
	c.mu.Lock()
	for {
		b := c.searchHashLocked(dev, block, size)
		if b == nil {
			break
		}
		if b.IsLocked() {
			c.lockCond.Wait()
			continue
		}
		b.flags |= Locked
		c.removeFreeLocked(b)
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	for {
		b, err := c.acquireFreeBuffer()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		// A concurrent miss on the same key could have rebound some other
		// buffer to (dev, block, size) while we were off doing writeback/
		// allocation for b with mu released. The single-CPU original has no
		// such window; real goroutines do, so recheck before committing and,
		// if the key is already bound, give b back and start over from the
		// hash lookup so the caller gets the existing entry.
		if existing := c.searchHashLocked(dev, block, size); existing != nil {
			c.releaseLocked(b)
			c.mu.Unlock()
			c.lockCond.Broadcast()
			c.freeCond.Broadcast()
			return c.GetBlk(dev, block, size)
		}
		c.removeHashLocked(b)
		b.Dev, b.Block, b.Size = dev, block, size
		c.insertHashLocked(b)
		b.flags &^= Valid
		c.mu.Unlock()
		return b, nil
	}
}

// acquireFreeBuffer pops the free-list head, writing it back first if
// dirty and allocating its data frame if absent. It returns the buffer
// locked and off the free and dirty lists; it stays in the hash chain of
// its old key until GetBlk rebinds it.
func (c *Cache) acquireFreeBuffer() (*Buffer, error) {
	c.mu.Lock()
	for c.free.Len() == 0 {
		c.freeCond.Wait()
	}
	e := c.free.Front()
	b := e.Value.(*Buffer)
	c.removeFreeLocked(b)
	b.flags |= Locked
	wasDirty := b.IsDirty()
	c.mu.Unlock()

	if wasDirty {
		_ = c.writebackOne(b) // best-effort; buffer is about to be rebound regardless
		c.mu.Lock()
		c.removeDirtyLocked(b)
		b.flags &^= Dirty
		c.mu.Unlock()
	}

	if b.Data == nil {
		data, err := c.alloc.AllocFrame(blockdev.PageSize)
		if err != nil {
			c.BRelse(b)
			return nil, newError("getblk", KindNoMemory, err)
		}
		b.Data = data
		c.mu.Lock()
		c.framesAllocated++
		c.mu.Unlock()
	}

	return b, nil
}

// writebackOne writes b's dirty frame to its device. On success it clears
// DIRTY and removes b from the dirty list; on failure it logs and leaves b
// dirty so a later Sync retries it.
func (c *Cache) writebackOne(b *Buffer) error {
	dev, ok := c.devices.Get(b.Dev)
	if !ok {
		logger.WithBlock(b.Dev, b.Block, b.Size).Warn("bufcache: writeback: unknown device")
		return ErrUnknownDevice
	}

	_, err := dev.WriteBlock(b.Block, b.Data[:b.Size])
	if err != nil {
		if errors.Is(err, blockdev.ErrReadOnly) {
			logger.WithBlock(b.Dev, b.Block, b.Size).Warn("bufcache: write-protected device, leaving buffer dirty")
		} else {
			logger.WithBlock(b.Dev, b.Block, b.Size).Warnf("bufcache: writeback I/O error: %v", err)
		}
		return err
	}

	c.mu.Lock()
	c.removeDirtyLocked(b)
	b.flags &^= Dirty
	c.mu.Unlock()
	return nil
}

// BRead returns a valid, locked buffer for (dev, block, size), reading it
// from the device on a miss (Fiwix's bread). The caller must BRelse or
// BWrite it.
func (c *Cache) BRead(dev, block, size uint32) (*Buffer, error) {
	if _, ok := c.devices.Get(dev); !ok {
		logger.Warnf("bufcache: bread: device major %d minor %d not registered", blockdev.Major(dev), blockdev.Minor(dev))
		return nil, newError("bread", KindInvalid, ErrUnknownDevice)
	}

	b, err := c.GetBlk(dev, block, size)
	if err != nil {
		return nil, err
	}
	if b.IsValid() {
		return b, nil
	}

	d, _ := c.devices.Get(dev)
	_, err = d.ReadBlock(block, b.Data[:size])
	if err != nil {
		logger.WithBlock(dev, block, size).Warnf("bufcache: read error: %v", err)
		c.BRelse(b)
		return nil, newError("bread", KindIO, err)
	}

	c.mu.Lock()
	b.flags |= Valid
	c.mu.Unlock()
	return b, nil
}

// BWrite marks b dirty and valid, then releases it (Fiwix's bwrite). The
// actual device write happens later, from Sync or from reclaim.
func (c *Cache) BWrite(b *Buffer) {
	c.mu.Lock()
	b.flags |= Dirty | Valid
	c.mu.Unlock()
	c.BRelse(b)
}

// Sync writes back every dirty buffer for dev, or for every device if dev
// is 0 (Fiwix's sync_buffers). It serializes with other Sync calls so a
// second call observes the first's work, not a half-finished pass.
func (c *Cache) Sync(dev uint32) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	e := c.dirty.Front()
	c.mu.Unlock()

	for e != nil {
		b := e.Value.(*Buffer)

		c.mu.Lock()
		next := e.Next() // save before writeback can unlink e
		if dev != 0 && b.Dev != dev {
			c.mu.Unlock()
			e = next
			continue
		}
		for b.IsLocked() {
			c.lockCond.Wait()
		}
		// b may have been reclaimed and rebound to a different key while we
		// waited for its lock; recheck membership before writing it back.
		if b.dirtyElem == nil || (dev != 0 && b.Dev != dev) {
			c.mu.Unlock()
			e = next
			continue
		}
		b.flags |= Locked
		c.mu.Unlock()

		_ = c.writebackOne(b)

		c.mu.Lock()
		b.flags &^= Locked
		c.mu.Unlock()
		c.lockCond.Broadcast()

		e = next
	}
}

// Invalidate discards every unlocked, hashed entry for dev: it drops the
// VALID bit and unhashes the entry without writing dirty data back.
// Fiwix's invalidate_buffers never checks BUFFER_DIRTY either, so discard
// without writeback is kept as the intended behavior (see DESIGN.md).
// Locked entries are left alone, same as the original.
func (c *Cache) Invalidate(dev uint32) {
	c.mu.Lock()
	for _, b := range c.table {
		if b.IsLocked() || b.Dev != dev || b.hashElem == nil {
			continue
		}
		c.removeHashLocked(b)
		b.flags &^= Valid
	}
	c.mu.Unlock()
	c.lockCond.Broadcast()
}

// popFreeBlocking pops the free-list head, blocking until one exists, and
// returns it locked and off the free list.
func (c *Cache) popFreeBlocking() *Buffer {
	c.mu.Lock()
	for c.free.Len() == 0 {
		c.freeCond.Wait()
	}
	e := c.free.Front()
	b := e.Value.(*Buffer)
	c.removeFreeLocked(b)
	b.flags |= Locked
	c.mu.Unlock()
	return b
}

// Reclaim walks the free list once, writing back and freeing data frames
// until it has freed cfg.ReclaimTarget of them or has cycled all the way
// back to the first entry it saw, whichever comes first (Fiwix's
// reclaim_buffers). It returns the number of frames actually freed. Nothing
// on the page-cache side is woken: kcache.Core.Reclaim only passes the count
// back to GetFreePage, which re-checks its own free list once the call
// returns. bufcache never calls into pagecache directly; the
// coupling between the two caches stays strictly one-way.
func (c *Cache) Reclaim() int {
	target := c.cfg.ReclaimTarget
	reclaimed := 0
	var first *Buffer

	for {
		b := c.popFreeBlocking()

		if b.IsDirty() {
			_ = c.writebackOne(b)
			// Same discard-regardless-of-outcome rule as acquireFreeBuffer:
			// the frame is about to be freed either way, so a failed
			// writeback must not leave the entry dangling on the dirty list.
			c.mu.Lock()
			c.removeDirtyLocked(b)
			b.flags &^= Dirty
			c.mu.Unlock()
		}

		c.mu.Lock()
		b.flags |= Valid // re-released entry goes to the tail, not the head
		c.mu.Unlock()

		if first == nil {
			first = b
		} else if first == b {
			c.BRelse(b)
			break
		}

		if b.Data != nil {
			c.alloc.FreeFrame(b.Data)
			c.mu.Lock()
			b.Data = nil
			c.framesAllocated--
			c.removeHashLocked(b)
			c.mu.Unlock()
			reclaimed++
			if reclaimed == target {
				c.BRelse(b)
				break
			}
		}

		c.BRelse(b)
	}

	return reclaimed
}

// CheckInvariants walks the whole table and verifies the structural
// invariants the cache is supposed to maintain at every reachable state:
// hash-bucket membership matches binding, DIRTY matches dirty-list
// membership, LOCKED matches free-list absence, at most one live entry
// exists per (dev, block, size), and dirty_kib agrees with the dirty
// list's length. It returns the first violation found, or nil. Meant to
// be called from tests after driving a scenario, not from production
// code paths.
func (c *Cache) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[[3]uint32]int)
	dirtyCount := 0

	for _, b := range c.table {
		if b.IsDirty() != (b.dirtyElem != nil) {
			return fmt.Errorf("buffer %d: DIRTY=%v but dirty-list membership=%v", b.Index(), b.IsDirty(), b.dirtyElem != nil)
		}
		if b.dirtyElem != nil {
			dirtyCount++
		}
		if b.IsLocked() == (b.freeElem != nil) {
			return fmt.Errorf("buffer %d: LOCKED=%v but free-list membership=%v", b.Index(), b.IsLocked(), b.freeElem != nil)
		}
		if b.hashElem == nil {
			continue
		}
		if !c.bucketContainsLocked(b) {
			return fmt.Errorf("buffer %d: hashed but absent from its own bucket", b.Index())
		}
		seen[[3]uint32{b.Dev, b.Block, b.Size}]++
	}

	for key, n := range seen {
		if n > 1 {
			return fmt.Errorf("key (dev=%d, block=%d, size=%d): %d live entries, want at most 1", key[0], key[1], key[2], n)
		}
	}

	if dirtyCount != c.dirty.Len() {
		return fmt.Errorf("dirty list length %d does not match %d dirty-flagged entries, so dirty_kib would be wrong", c.dirty.Len(), dirtyCount)
	}

	return nil
}

func (c *Cache) bucketContainsLocked(b *Buffer) bool {
	for e := c.bucket(b.Dev, b.Block).Front(); e != nil; e = e.Next() {
		if e.Value.(*Buffer) == b {
			return true
		}
	}
	return false
}
