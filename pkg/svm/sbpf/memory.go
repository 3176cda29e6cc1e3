package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Memory layout. Addresses start at zero and every access must fit
// inside the image; there are no holes between regions.
const (
	CodeBase  = 0x0
	CodeSize  = 64 * 1024
	StackBase = CodeBase + CodeSize
	StackSize = 8 * 1024
	HeapBase  = StackBase + StackSize
	HeapSize  = 64 * 1024
	DataBase  = HeapBase + HeapSize

	// DefaultMemoryCapacity leaves 120 KiB of data region above the heap.
	DefaultMemoryCapacity = 256 * 1024
)

// MemoryImage is a flat byte-addressed memory with hard bounds. All
// multi-byte accesses are little-endian. Reads of untouched memory
// return zero.
type MemoryImage struct {
	data []byte
}

// NewMemoryImage allocates a zeroed image of the given capacity.
func NewMemoryImage(capacity uint64) *MemoryImage {
	return &MemoryImage{data: make([]byte, capacity)}
}

// Capacity returns the size of the image in bytes.
func (m *MemoryImage) Capacity() uint64 {
	return uint64(len(m.data))
}

// check validates that [addr, addr+width) lies inside the image.
func (m *MemoryImage) check(addr, width uint64) error {
	if addr > uint64(len(m.data)) || width > uint64(len(m.data))-addr {
		return fmt.Errorf("%w: addr 0x%x width %d capacity 0x%x", ErrMemoryOutOfBounds, addr, width, len(m.data))
	}
	return nil
}

func (m *MemoryImage) Read8(addr uint64) (uint8, error) {
	if err := m.check(addr, 1); err != nil {
		return 0, err
	}
	return m.data[addr], nil
}

func (m *MemoryImage) Read16(addr uint64) (uint16, error) {
	if err := m.check(addr, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.data[addr:]), nil
}

func (m *MemoryImage) Read32(addr uint64) (uint32, error) {
	if err := m.check(addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[addr:]), nil
}

func (m *MemoryImage) Read64(addr uint64) (uint64, error) {
	if err := m.check(addr, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.data[addr:]), nil
}

func (m *MemoryImage) Write8(addr uint64, v uint8) error {
	if err := m.check(addr, 1); err != nil {
		return err
	}
	m.data[addr] = v
	return nil
}

func (m *MemoryImage) Write16(addr uint64, v uint16) error {
	if err := m.check(addr, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.data[addr:], v)
	return nil
}

func (m *MemoryImage) Write32(addr uint64, v uint32) error {
	if err := m.check(addr, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[addr:], v)
	return nil
}

func (m *MemoryImage) Write64(addr uint64, v uint64) error {
	if err := m.check(addr, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.data[addr:], v)
	return nil
}

// ReadBytes copies length bytes starting at addr into a fresh slice.
func (m *MemoryImage) ReadBytes(addr, length uint64) ([]byte, error) {
	if err := m.check(addr, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.data[addr:addr+length])
	return out, nil
}

// WriteBytes copies p into the image starting at addr.
func (m *MemoryImage) WriteBytes(addr uint64, p []byte) error {
	if err := m.check(addr, uint64(len(p))); err != nil {
		return err
	}
	copy(m.data[addr:], p)
	return nil
}
