// Package kcache composes the block buffer cache and the page cache into
// a single subsystem, wiring the one-way reclaim coupling between them and
// providing the write-through file write path (Fiwix's update_page_cache
// and original_source/fs/minix/file.c's minix_file_write).
package kcache

import (
	"kcache/blockdev"
	"kcache/bufcache"
	"kcache/fsiface"
	"kcache/logger"
	"kcache/pagecache"
)

// Config sizes both caches.
type Config struct {
	Buffer bufcache.Config
	Page   pagecache.Config
}

// Core owns one buffer cache and one page cache, and is the swap daemon
// that bridges them: when the page cache runs out of free pages it calls
// back into Core.Reclaim, which drains the buffer cache, never the
// reverse. The direction stays one-way by design.
type Core struct {
	Buffers *bufcache.Cache
	Pages   *pagecache.Cache
}

// New wires a Core from a device table, frame allocators and the given
// config. The two allocators are intentionally distinct: buffers and pages
// draw from independent pools, the same way Fiwix's buffer and page
// subsystems are two different consumers of the same physical memory but
// are modeled here without a shared virtual-address space (see DESIGN.md).
func New(cfg Config, devices *blockdev.Table, bufAlloc, pageAlloc blockdev.FrameAllocator) (*Core, error) {
	c := &Core{}
	c.Buffers = bufcache.New(cfg.Buffer, devices, bufAlloc)

	pages, err := pagecache.New(cfg.Page, pageAlloc, c.Buffers, c)
	if err != nil {
		return nil, err
	}
	c.Pages = pages
	return c, nil
}

// Reclaim implements pagecache.SwapDaemon by draining the buffer cache.
// This is the only call from the page cache side into the buffer cache's
// write path; bufcache never imports or calls pagecache.
func (c *Core) Reclaim() int {
	n := c.Buffers.Reclaim()
	if n > 0 {
		logger.Debugf("kcache: swap daemon reclaimed %d buffer frames", n)
	}
	return n
}

// FileWrite writes buf into inode at offset: it maps the destination
// block (allocating on a hole), pulls the block through the buffer cache,
// overlays the bytes, patches any overlapping cached page, and marks the
// block dirty, the same ordering as minix_file_write: bmap(FOR_WRITING) -> bread
// -> memcpy -> update_page_cache -> bwrite.
func (c *Core) FileWrite(fsys fsiface.Filesystem, inode uint64, offset uint64, buf []byte) (int, error) {
	blksize := fsys.BlockSize(inode)
	dev := fsys.Dev(inode)

	var written int
	for written < len(buf) {
		cur := offset + uint64(written)
		boff := uint32(cur % uint64(blksize))
		bytes := blksize - boff
		if remain := len(buf) - written; bytes > uint32(remain) {
			bytes = uint32(remain)
		}

		block, err := fsys.Bmap(inode, cur, fsiface.ForWriting)
		if err != nil {
			return written, err
		}

		b, err := c.Buffers.BRead(dev, block, blksize)
		if err != nil {
			return written, err
		}
		copy(b.Data[boff:boff+bytes], buf[written:written+int(bytes)])

		// update_page_cache before bwrite: the page cache must see the new
		// bytes even though the device write itself may be deferred to a
		// later sync.
		c.Pages.UpdatePageCache(inode, dev, cur-uint64(boff), b.Data[:blksize])
		c.Buffers.BWrite(b)

		written += int(bytes)
	}

	if _, err := fsys.Write(inode, offset, buf, len(buf)); err != nil {
		return written, err
	}
	return written, nil
}

// Stats merges both caches' observability counters.
type Stats struct {
	Buffers bufcache.Stats
	Pages   pagecache.Stats
}

func (c *Core) Stats() Stats {
	return Stats{Buffers: c.Buffers.Stats(), Pages: c.Pages.Stats()}
}
