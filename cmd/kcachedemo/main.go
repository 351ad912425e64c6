package main

import (
	"fmt"

	"kcache"
	"kcache/blockdev"
	"kcache/bufcache"
	"kcache/fsiface"
)

func main() {
	fmt.Println("=== kcache demo: block buffer cache + page cache ===")

	fmt.Println("\n1. Cold read...")
	demoColdRead()

	fmt.Println("\n2. Hot read...")
	demoHotRead()

	fmt.Println("\n3. Dirty write and sync...")
	demoDirtyWriteAndSync()

	fmt.Println("\n4. Invalidate drops cache...")
	demoInvalidate()

	fmt.Println("\n5. Write-through to page cache...")
	demoWriteThrough()

	fmt.Println("\n6. Reclaim under pressure...")
	demoReclaim()

	fmt.Println("\n=== demo complete ===")
}

func newCore() (*kcache.Core, *blockdev.MemDevice) {
	dev := blockdev.NewMemDevice(1024)
	table := blockdev.NewTable()
	table.Register(1, dev)

	core, err := kcache.New(
		kcache.Config{Buffer: bufcache.Config{TableSize: 64, ReclaimTarget: 8}},
		table,
		blockdev.NewSlabAllocator(),
		blockdev.NewSlabAllocator(),
	)
	if err != nil {
		panic(err)
	}
	return core, dev
}

func demoColdRead() {
	core, dev := newCore()
	dev.Seed(7, []byte("hello from block 7"))

	b, err := core.Buffers.BRead(1, 7, 1024)
	if err != nil {
		panic(err)
	}
	fmt.Printf("  read_block calls: %d, valid: %v, buffers_kib: %d\n", dev.Reads, b.IsValid(), core.Buffers.Stats().BuffersKB)
	core.Buffers.BRelse(b)
}

func demoHotRead() {
	core, dev := newCore()
	dev.Seed(7, []byte("hello from block 7"))

	b1, _ := core.Buffers.BRead(1, 7, 1024)
	core.Buffers.BRelse(b1)
	readsAfterFirst := dev.Reads

	b2, _ := core.Buffers.BRead(1, 7, 1024)
	fmt.Printf("  same entry returned: %v, device reads: %d before, %d after\n", b1 == b2, readsAfterFirst, dev.Reads)
	core.Buffers.BRelse(b2)
}

func demoDirtyWriteAndSync() {
	core, dev := newCore()

	b, _ := core.Buffers.GetBlk(1, 7, 1024)
	copy(b.Data, []byte("new contents"))
	core.Buffers.BWrite(b)
	fmt.Printf("  dirty_kib before sync: %d\n", core.Buffers.Stats().DirtyKB)

	core.Buffers.Sync(1)
	fmt.Printf("  write_block calls: %d, dirty_kib after sync: %d\n", dev.Writes, core.Buffers.Stats().DirtyKB)
}

func demoInvalidate() {
	core, dev := newCore()
	dev.Seed(7, []byte("original"))

	b, _ := core.Buffers.BRead(1, 7, 1024)
	core.Buffers.BRelse(b)

	core.Buffers.Invalidate(1)
	_, _ = core.Buffers.BRead(1, 7, 1024)
	fmt.Printf("  read_block calls after invalidate+reread: %d\n", dev.Reads)
}

func demoWriteThrough() {
	core, _ := newCore()
	fs := fsiface.NewMemFilesystem(1024, 1)
	fs.CreateFile(1, 1024)
	fs.Populate(1, 1)

	out := make([]byte, 1024)
	_, _ = core.Pages.FileRead(fs, 1, 0, out)

	payload := make([]byte, 1024)
	copy(payload, []byte("patched by FileWrite"))
	_, _ = core.FileWrite(fs, 1, 0, payload)

	out2 := make([]byte, 1024)
	_, _ = core.Pages.FileRead(fs, 1, 0, out2)
	fmt.Printf("  page reflects write-through: %v\n", string(out2[:20]) == string(payload[:20]))
}

func demoReclaim() {
	core, dev := newCore()
	for i := uint32(0); i < 32; i++ {
		dev.Seed(i, []byte{byte(i)})
		b, _ := core.Buffers.GetBlk(1, i, 1024)
		_, _ = dev.ReadBlock(i, b.Data[:1024])
		core.Buffers.BRelse(b)
	}

	before := core.Buffers.Stats().BuffersKB
	reclaimed := core.Reclaim()
	after := core.Buffers.Stats().BuffersKB
	fmt.Printf("  reclaimed %d frames (buffers_kib %d -> %d)\n", reclaimed, before, after)
}
