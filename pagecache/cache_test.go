package pagecache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/blockdev"
	"kcache/bufcache"
	"kcache/fsiface"
	"kcache/pagecache"
)

const testPageSize = 64

func newTestCache(t *testing.T) (*pagecache.Cache, *bufcache.Cache, *fsiface.MemFilesystem, *blockdev.MemDevice) {
	t.Helper()

	dev := blockdev.NewMemDevice(16)
	table := blockdev.NewTable()
	table.Register(1, dev)
	bufs := bufcache.New(bufcache.Config{TableSize: 32, ReclaimTarget: 4}, table, blockdev.NewSlabAllocator())

	fs := fsiface.NewMemFilesystem(16, 1)

	pages, err := pagecache.New(
		pagecache.Config{TableSize: 8, PageSize: testPageSize},
		blockdev.NewSlabAllocator(),
		bufs,
		pagecache.NoopSwapDaemon{},
	)
	require.NoError(t, err)

	return pages, bufs, fs, dev
}

func writeFileDirect(t *testing.T, bufs *bufcache.Cache, fs *fsiface.MemFilesystem, dev *blockdev.MemDevice, inode uint64, content []byte) {
	t.Helper()
	fs.CreateFile(inode, uint64(len(content)))

	blksize := fs.BlockSize(inode)
	for off := uint32(0); off < uint32(len(content)); off += blksize {
		block, err := fs.Bmap(inode, uint64(off), fsiface.ForWriting)
		require.NoError(t, err)
		end := off + blksize
		if end > uint32(len(content)) {
			end = uint32(len(content))
		}
		_, err = dev.WriteBlock(block, content[off:end])
		require.NoError(t, err)
	}
}

func TestFileReadFillsFromBufferCache(t *testing.T) {
	pages, bufs, fs, dev := newTestCache(t)

	content := make([]byte, testPageSize)
	for i := range content {
		content[i] = byte(i)
	}
	writeFileDirect(t, bufs, fs, dev, 1, content)

	out := make([]byte, testPageSize)
	n, err := pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)
	assert.Equal(t, testPageSize, n)
	assert.Equal(t, content, out)
	assert.NoError(t, pages.CheckInvariants())
}

func TestFileReadSecondCallHitsCache(t *testing.T) {
	pages, bufs, fs, dev := newTestCache(t)
	content := make([]byte, testPageSize)
	writeFileDirect(t, bufs, fs, dev, 1, content)

	out := make([]byte, testPageSize)
	_, err := pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)
	readsAfterFirst := dev.Reads

	_, err = pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)
	assert.Equal(t, readsAfterFirst, dev.Reads, "second read should be served from the page cache")
	assert.NoError(t, pages.CheckInvariants())
}

func TestWriteThroughCoherency(t *testing.T) {
	pages, bufs, fs, dev := newTestCache(t)
	content := make([]byte, testPageSize)
	writeFileDirect(t, bufs, fs, dev, 1, content)

	out := make([]byte, testPageSize)
	_, err := pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)

	block, err := fs.Bmap(1, 0, fsiface.ForWriting)
	require.NoError(t, err)
	b, err := bufs.BRead(1, block, fs.BlockSize(1))
	require.NoError(t, err)
	copy(b.Data, bytesOf(fs.BlockSize(1), 0xee))
	bufs.BWrite(b)
	pages.UpdatePageCache(1, fs.Dev(1), 0, b.Data[:fs.BlockSize(1)])

	readsBefore := dev.Reads
	_, err = pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)
	assert.Equal(t, readsBefore, dev.Reads, "write-through read must not hit the device")
	assert.Equal(t, byte(0xee), out[0])
	assert.NoError(t, pages.CheckInvariants())
}

func TestSparseHoleReadsAsZero(t *testing.T) {
	pages, _, fs, _ := newTestCache(t)
	fs.CreateFile(2, testPageSize)

	out := make([]byte, testPageSize)
	n, err := pages.FileRead(fs, 2, 0, out)
	require.NoError(t, err)
	assert.Equal(t, testPageSize, n)
	for _, bVal := range out {
		assert.Equal(t, byte(0), bVal)
	}
	assert.NoError(t, pages.CheckInvariants())
}

func TestGetFreePageReturnsPinnedUnboundPage(t *testing.T) {
	pages, bufs, fs, dev := newTestCache(t)
	content := make([]byte, testPageSize)
	writeFileDirect(t, bufs, fs, dev, 1, content)

	out := make([]byte, testPageSize)
	_, err := pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)

	before := pages.Stats()
	p, err := pages.GetFreePage()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Count())
	assert.False(t, p.Cached())
	pages.ReleasePage(p)

	after := pages.Stats()
	assert.Equal(t, before.TotalPages, after.TotalPages)
	assert.NoError(t, pages.CheckInvariants())
}

func bytesOf(n uint32, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
