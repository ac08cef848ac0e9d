package heap

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/wippyai/graphwire"
)

// Space is the linear address space backing a heap.
type Space interface {
	graphwire.Memory
	graphwire.MemorySizer
	// Grow extends the space by at least n bytes and reports the new size.
	Grow(n uint32) (uint32, bool)
	Close(ctx context.Context) error
}

// byteSpace is a Space over a Go byte slice.
type byteSpace struct {
	buf   []byte
	limit uint32
}

// NewByteSpace creates a Space of size bytes that may grow up to limit.
// A zero limit disables growth.
func NewByteSpace(size, limit uint32) Space {
	if limit < size {
		limit = size
	}
	return &byteSpace{buf: make([]byte, size), limit: limit}
}

func (s *byteSpace) check(offset, length uint32) bool {
	end := uint64(offset) + uint64(length)
	return end <= uint64(len(s.buf))
}

// Read returns a view of length bytes at offset.
func (s *byteSpace) Read(offset uint32, length uint32) ([]byte, error) {
	if !s.check(offset, length) {
		return nil, fmt.Errorf("memory read out of bounds: offset=%d, length=%d", offset, length)
	}
	return s.buf[offset : offset+length : offset+length], nil
}

// Write copies data to offset.
func (s *byteSpace) Write(offset uint32, data []byte) error {
	if !s.check(offset, uint32(len(data))) {
		return fmt.Errorf("memory write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	copy(s.buf[offset:], data)
	return nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (s *byteSpace) ReadU32(offset uint32) (uint32, error) {
	if !s.check(offset, 4) {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return binary.LittleEndian.Uint32(s.buf[offset:]), nil
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (s *byteSpace) ReadU64(offset uint32) (uint64, error) {
	if !s.check(offset, 8) {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return binary.LittleEndian.Uint64(s.buf[offset:]), nil
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (s *byteSpace) WriteU32(offset uint32, value uint32) error {
	if !s.check(offset, 4) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	binary.LittleEndian.PutUint32(s.buf[offset:], value)
	return nil
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (s *byteSpace) WriteU64(offset uint32, value uint64) error {
	if !s.check(offset, 8) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	binary.LittleEndian.PutUint64(s.buf[offset:], value)
	return nil
}

func (s *byteSpace) Size() uint32 { return uint32(len(s.buf)) }

func (s *byteSpace) Grow(n uint32) (uint32, bool) {
	size := uint64(len(s.buf))
	want := size * 2
	if want < size+uint64(n) {
		want = size + uint64(n)
	}
	if want > uint64(s.limit) {
		want = uint64(s.limit)
	}
	if want < size+uint64(n) {
		return uint32(size), false
	}
	grown := make([]byte, want)
	copy(grown, s.buf)
	s.buf = grown
	return uint32(want), true
}

func (s *byteSpace) Close(context.Context) error {
	s.buf = nil
	return nil
}
