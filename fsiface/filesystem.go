// Package fsiface defines the filesystem contract the page cache consumes:
// block-mapping a file offset to a device block number, and writing a
// page's worth of data back through the owning file.
package fsiface

// BmapMode selects block-mapping intent: FOR_READING never allocates (a
// sparse hole maps to block 0); FOR_WRITING may allocate backing storage.
type BmapMode int

const (
	ForReading BmapMode = iota
	ForWriting
)

// Filesystem is the minimal per-filesystem interface the page cache calls
// through. Inode metadata management and bmap's own block-allocation
// implementation live entirely on the filesystem side of this boundary.
type Filesystem interface {
	// Bmap resolves the block backing inode at offset. It returns block
	// number 0 for a sparse hole under ForReading, and a negative errno
	// equivalent (returned as a non-nil error) on failure.
	Bmap(inode uint64, offset uint64, mode BmapMode) (block uint32, err error)

	// BlockSize reports the filesystem's block size in bytes for inode,
	// used to step bread_page/file_read through a page's blocks.
	BlockSize(inode uint64) uint32

	// Dev reports the block device id backing inode.
	Dev(inode uint64) uint32

	// Size reports the current file size in bytes, used to clamp reads
	// and to truncate page writeback.
	Size(inode uint64) uint64

	// Write pushes length bytes of buf to inode at offset; this is the
	// page cache's write_page path back to the owning file.
	Write(inode uint64, offset uint64, buf []byte, length int) (int, error)
}
