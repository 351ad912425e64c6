package bufcache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/blockdev"
	"kcache/bufcache"
)

func newTestCache(t *testing.T, tableSize int) (*bufcache.Cache, *blockdev.Table, *blockdev.MemDevice) {
	t.Helper()
	dev := blockdev.NewMemDevice(512)
	table := blockdev.NewTable()
	table.Register(1, dev)
	c := bufcache.New(bufcache.Config{TableSize: tableSize, ReclaimTarget: 8}, table, blockdev.NewSlabAllocator())
	return c, table, dev
}

func TestBReadColdMiss(t *testing.T) {
	c, _, dev := newTestCache(t, 16)
	dev.Seed(5, bytes(512, 0x42))

	b, err := c.BRead(1, 5, 512)
	require.NoError(t, err)
	assert.True(t, b.IsValid())
	assert.Equal(t, byte(0x42), b.Data[0])
	assert.Equal(t, 1, dev.Reads)
	c.BRelse(b)
	assert.NoError(t, c.CheckInvariants())
}

func TestBReadHotHit(t *testing.T) {
	c, _, dev := newTestCache(t, 16)
	dev.Seed(5, bytes(512, 0x42))

	b1, err := c.BRead(1, 5, 512)
	require.NoError(t, err)
	c.BRelse(b1)

	b2, err := c.BRead(1, 5, 512)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, dev.Reads, "second read should be served from cache")
	c.BRelse(b2)
	assert.NoError(t, c.CheckInvariants())
}

func TestBWriteThenSyncFlushesDirtyData(t *testing.T) {
	c, _, dev := newTestCache(t, 16)

	b, err := c.GetBlk(1, 9, 512)
	require.NoError(t, err)
	copy(b.Data, bytes(512, 0x7a))
	c.BWrite(b)

	assert.True(t, c.Stats().DirtyKB > 0)

	c.Sync(1)

	assert.Equal(t, uint64(0), c.Stats().DirtyKB)
	assert.Equal(t, 1, dev.Writes)

	got := make([]byte, 512)
	_, _ = dev.ReadBlock(9, got)
	assert.Equal(t, byte(0x7a), got[0])
	assert.NoError(t, c.CheckInvariants())
}

func TestInvalidateDropsCachedData(t *testing.T) {
	c, _, dev := newTestCache(t, 16)
	dev.Seed(3, bytes(512, 0x11))

	b, err := c.BRead(1, 3, 512)
	require.NoError(t, err)
	c.BRelse(b)

	c.Invalidate(1)

	b2, err := c.BRead(1, 3, 512)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Reads, "invalidated entry must be re-read from the device")
	c.BRelse(b2)
	assert.NoError(t, c.CheckInvariants())
}

func TestReclaimBoundedByTarget(t *testing.T) {
	c, _, dev := newTestCache(t, 32)

	for i := uint32(0); i < 32; i++ {
		dev.Seed(i, bytes(512, byte(i)))
		b, err := c.BRead(1, i, 512)
		require.NoError(t, err)
		require.Equal(t, byte(i), b.Data[0])
		c.BRelse(b)
	}

	before := c.Stats().BuffersKB
	require.True(t, before > 0)

	reclaimed := c.Reclaim()
	assert.Equal(t, 8, reclaimed, "reclaim batch is bounded by ReclaimTarget")

	after := c.Stats().BuffersKB
	assert.True(t, after < before)
	assert.NoError(t, c.CheckInvariants())
}

func TestConcurrentGetBlkSameKeyYieldsOneEntry(t *testing.T) {
	c, _, dev := newTestCache(t, 4)
	dev.Seed(1, bytes(512, 0x9))

	const n = 8
	results := make([]*bufcache.Buffer, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			b, err := c.BRead(1, 1, 512)
			require.NoError(t, err)
			results[i] = b
			c.BRelse(b)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i], "at most one live entry per key")
	}
	assert.NoError(t, c.CheckInvariants())
}

func bytes(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
