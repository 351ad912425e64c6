package fsiface

import (
	"errors"
	"sync"
)

// ErrNoSuchInode is returned for an unknown inode id.
var ErrNoSuchInode = errors.New("fsiface: no such inode")

// MemFilesystem is a tiny in-memory Filesystem double, modeled on Fiwix's
// minix file.c: a file is just a flat run of fixed-size blocks, block 0
// means a sparse hole, and bmap(FOR_WRITING) allocates on demand. It exists
// so kcache's tests and demo can drive bread_page/file_read against a real
// (if minimal) filesystem instead of mocking the page cache's collaborator
// away entirely.
type MemFilesystem struct {
	mu        sync.Mutex
	blockSize uint32
	dev       uint32
	nextBlock uint32
	files     map[uint64]*memFile
}

type memFile struct {
	blocks []uint32 // 0 entries are holes
	size   uint64
}

// NewMemFilesystem returns a filesystem whose files are mapped in
// blockSize-byte blocks on device dev.
func NewMemFilesystem(blockSize uint32, dev uint32) *MemFilesystem {
	return &MemFilesystem{
		blockSize: blockSize,
		dev:       dev,
		nextBlock: 1, // block 0 is reserved to mean "hole"
		files:     make(map[uint64]*memFile),
	}
}

// CreateFile registers inode with the given size in bytes (rounded up to
// whole blocks, at least one), all initially
// sparse (holes); callers populate via Bmap(ForWriting) + device writes, or
// via Populate for test fixtures.
func (m *MemFilesystem) CreateFile(inode uint64, sizeBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nblocks := (sizeBytes + uint64(m.blockSize) - 1) / uint64(m.blockSize)
	if nblocks == 0 {
		nblocks = 1
	}
	m.files[inode] = &memFile{blocks: make([]uint32, nblocks), size: sizeBytes}
}

// Populate assigns block numbers to every block of inode starting at
// firstBlock, as if every block had already been allocated (no holes).
func (m *MemFilesystem) Populate(inode uint64, firstBlock uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[inode]
	if !ok {
		return
	}
	for i := range f.blocks {
		f.blocks[i] = firstBlock + uint32(i)
	}
	if firstBlock+uint32(len(f.blocks)) > m.nextBlock {
		m.nextBlock = firstBlock + uint32(len(f.blocks))
	}
}

func (m *MemFilesystem) Bmap(inode uint64, offset uint64, mode BmapMode) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[inode]
	if !ok {
		return 0, ErrNoSuchInode
	}

	idx := offset / uint64(m.blockSize)
	if idx >= uint64(len(f.blocks)) {
		if mode == ForReading {
			return 0, nil
		}
		grown := make([]uint32, idx+1)
		copy(grown, f.blocks)
		f.blocks = grown
	}

	if f.blocks[idx] == 0 {
		if mode == ForReading {
			return 0, nil
		}
		f.blocks[idx] = m.nextBlock
		m.nextBlock++
	}

	return f.blocks[idx], nil
}

func (m *MemFilesystem) BlockSize(inode uint64) uint32 { return m.blockSize }
func (m *MemFilesystem) Dev(inode uint64) uint32       { return m.dev }

func (m *MemFilesystem) Size(inode uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[inode]; ok {
		return f.size
	}
	return 0
}

// Write records the new file size. It does not itself touch block
// contents; the caller is expected to have already pushed the bytes to
// the backing buffer cache, matching minix_file_write's bwrite-after-
// update_page_cache ordering.
func (m *MemFilesystem) Write(inode uint64, offset uint64, buf []byte, length int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[inode]
	if !ok {
		return 0, ErrNoSuchInode
	}
	if end := offset + uint64(length); end > f.size {
		f.size = end
	}
	return length, nil
}
