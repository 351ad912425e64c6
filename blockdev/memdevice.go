package blockdev

import "sync"

// MemDevice is an in-memory Device backing blocks with plain byte slices.
// It exists for tests and the demo binary, in place of a real disk driver.
type MemDevice struct {
	mu       sync.Mutex
	size     uint32
	blocks   map[uint32][]byte
	readOnly bool

	Reads, Writes int
}

// NewMemDevice returns a device whose blocks are size bytes long.
func NewMemDevice(blockSize uint32) *MemDevice {
	return &MemDevice{size: blockSize, blocks: make(map[uint32][]byte)}
}

// SetReadOnly flips the device into (or out of) read-only mode; subsequent
// WriteBlock calls return ErrReadOnly.
func (d *MemDevice) SetReadOnly(ro bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly = ro
}

// Seed installs content for block directly, bypassing WriteBlock; useful
// to set up fixtures without going through the cache.
func (d *MemDevice) Seed(block uint32, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, d.size)
	copy(buf, content)
	d.blocks[block] = buf
}

func (d *MemDevice) ReadBlock(block uint32, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Reads++

	src, ok := d.blocks[block]
	if !ok {
		// Unwritten blocks read as zeros, like an untouched disk region.
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
	n := copy(buf, src)
	return n, nil
}

func (d *MemDevice) WriteBlock(block uint32, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Writes++

	if d.readOnly {
		return 0, ErrReadOnly
	}

	stored := make([]byte, d.size)
	n := copy(stored, buf)
	d.blocks[block] = stored
	return n, nil
}
