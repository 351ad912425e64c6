package pagecache

import (
	"container/list"
	"sync"
)

// Flag is the page entry's lock bitmask. It is independent of Count: a
// page can be pinned (Count > 0, kept off the free list) without being
// data-locked; the cache only takes Locked on pages it has pinned.
type Flag uint8

const (
	Locked Flag = 1 << iota
)

// Page is one entry of the page table. Unlike a Buffer, membership on the
// free list is governed by a reference count, not by Locked: a page with
// Count == 0 is free regardless of its lock state, mirroring Fiwix's
// struct page (count/flags kept as separate fields; see
// original_source/mm/page.c's release_page and page_lock).
//
// cond is this page's own wait channel for Locked, created once at table
// init and reused for the page's whole lifetime, bound to the owning
// Cache's coordination mutex: each page acts as its own wait channel,
// unlike buffers, which share one coarse channel for all lock waiters.
type Page struct {
	Inode  uint64
	Offset uint64
	Dev    uint32
	Data   []byte

	count int
	flags Flag
	cond  *sync.Cond
	index int

	hashElem *list.Element
	freeElem *list.Element
}

func (p *Page) IsLocked() bool { return p.flags&Locked != 0 }
func (p *Page) Count() int     { return p.count }
func (p *Page) Index() int     { return p.index }

// Cached reports whether p currently holds file-backed content (vs. being
// a freshly reclaimed anonymous frame with no inode binding).
func (p *Page) Cached() bool { return p.hashElem != nil }
