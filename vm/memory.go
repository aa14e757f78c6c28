package vm

import "encoding/binary"

// Memory is a linear, byte-addressable guest memory buffer exclusively
// owned by one Thread (spec.md §3). Every access is bounds-checked
// against the buffer's length; an out-of-bounds access never panics —
// it is reported to the caller, which raises MemoryLimit.
type Memory struct {
	buf []byte
}

// NewMemory allocates a zero-initialised buffer of the given size.
func NewMemory(size uint64) *Memory {
	return &Memory{buf: make([]byte, size)}
}

// Size returns the memory's length in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

// Bytes exposes the underlying buffer. Used by the loader to place
// image regions; callers must
// not retain slices across a Memory's lifetime assumptions beyond what
// the owning Thread permits.
func (m *Memory) Bytes() []byte {
	return m.buf
}

// inBounds reports whether a width-byte access starting at addr fits
// entirely inside the buffer. This widens spec.md §4.2's literal
// "addr >= memsize" check to also reject addr+width overruns, per
// spec.md's explicit correction of the source's spanning-buffer bug.
func (m *Memory) inBounds(addr uint64, width uint64) bool {
	if addr >= m.Size() {
		return false
	}
	end := addr + width
	if end < addr { // overflow
		return false
	}
	return end <= m.Size()
}

// Fetch8 reads one byte. ok is false (and the return value is zero) if
// addr is out of bounds.
func (m *Memory) Fetch8(addr uint64) (uint8, bool) {
	if !m.inBounds(addr, 1) {
		return 0, false
	}
	return m.buf[addr], true
}

// Fetch16 reads a little-endian uint16.
func (m *Memory) Fetch16(addr uint64) (uint16, bool) {
	if !m.inBounds(addr, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.buf[addr:]), true
}

// Fetch32 reads a little-endian uint32.
func (m *Memory) Fetch32(addr uint64) (uint32, bool) {
	if !m.inBounds(addr, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buf[addr:]), true
}

// Fetch64 reads a little-endian uint64.
func (m *Memory) Fetch64(addr uint64) (uint64, bool) {
	if !m.inBounds(addr, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.buf[addr:]), true
}

// Place8 writes one byte. ok is false, and nothing is written, if addr
// is out of bounds.
func (m *Memory) Place8(addr uint64, v uint8) bool {
	if !m.inBounds(addr, 1) {
		return false
	}
	m.buf[addr] = v
	return true
}

// Place16 writes a little-endian uint16.
func (m *Memory) Place16(addr uint64, v uint16) bool {
	if !m.inBounds(addr, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(m.buf[addr:], v)
	return true
}

// Place32 writes a little-endian uint32.
func (m *Memory) Place32(addr uint64, v uint32) bool {
	if !m.inBounds(addr, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buf[addr:], v)
	return true
}

// Place64 writes a little-endian uint64.
func (m *Memory) Place64(addr uint64, v uint64) bool {
	if !m.inBounds(addr, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buf[addr:], v)
	return true
}
