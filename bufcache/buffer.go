package bufcache

import "container/list"

// Flag is the buffer entry's status bitmask.
type Flag uint8

const (
	Valid Flag = 1 << iota
	Dirty
	Locked
)

// Buffer is one entry of the buffer table. At most one live entry exists
// for any (Dev, Block, Size). Entries are allocated once, up front, in
// Cache's table; Data is allocated lazily and may be released by Reclaim
// without the entry itself disappearing.
type Buffer struct {
	Dev   uint32
	Block uint32
	Size  uint32
	Data  []byte

	flags Flag
	index int

	hashElem  *list.Element // membership in its hash bucket, nil if unhashed
	freeElem  *list.Element // membership in the free list, nil if locked
	dirtyElem *list.Element // membership in the dirty list, nil if clean
}

func (b *Buffer) IsValid() bool  { return b.flags&Valid != 0 }
func (b *Buffer) IsDirty() bool  { return b.flags&Dirty != 0 }
func (b *Buffer) IsLocked() bool { return b.flags&Locked != 0 }

// Index returns the buffer's fixed position in the table, stable for its
// whole lifetime.
func (b *Buffer) Index() int { return b.index }
