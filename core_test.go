package kcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kcache "kcache"
	"kcache/blockdev"
	"kcache/bufcache"
	"kcache/fsiface"
)

func newTestCore(t *testing.T) (*kcache.Core, *blockdev.MemDevice, *fsiface.MemFilesystem) {
	t.Helper()

	dev := blockdev.NewMemDevice(16)
	table := blockdev.NewTable()
	table.Register(1, dev)

	core, err := kcache.New(
		kcache.Config{
			Buffer: bufcache.Config{TableSize: 16, ReclaimTarget: 4},
		},
		table,
		blockdev.NewSlabAllocator(),
		blockdev.NewSlabAllocator(),
	)
	require.NoError(t, err)

	fs := fsiface.NewMemFilesystem(16, 1)
	fs.CreateFile(1, 64)
	fs.Populate(1, 1)

	return core, dev, fs
}

func TestFileWritePropagatesThroughPageCache(t *testing.T) {
	core, _, fs := newTestCore(t)

	out := make([]byte, 16)
	n, err := core.Pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	payload := []byte("overwritten-data")[:16]
	_, err = core.FileWrite(fs, 1, 0, payload)
	require.NoError(t, err)

	out2 := make([]byte, 16)
	_, err = core.Pages.FileRead(fs, 1, 0, out2)
	require.NoError(t, err)
	assert.Equal(t, payload, out2)
}

func TestStatsMergesBothCaches(t *testing.T) {
	core, _, fs := newTestCore(t)

	out := make([]byte, 16)
	_, err := core.Pages.FileRead(fs, 1, 0, out)
	require.NoError(t, err)

	stats := core.Stats()
	assert.True(t, stats.Buffers.BuffersKB > 0)
	assert.True(t, stats.Pages.CachedKB > 0)
}

func TestSwapDaemonReclaimsBufferFramesOnPagePressure(t *testing.T) {
	core, _, _ := newTestCore(t)

	for i := uint32(0); i < 16; i++ {
		b, err := core.Buffers.GetBlk(1, i, 16)
		require.NoError(t, err)
		core.Buffers.BRelse(b)
	}

	reclaimed := core.Reclaim()
	assert.True(t, reclaimed > 0)
}
