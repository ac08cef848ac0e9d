package wire

import (
	"encoding/binary"

	"github.com/wippyai/graphwire/errors"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 48

// Header flags.
const (
	FlagDone     uint32 = 1 << 0 // last batch of the linearization
	FlagArray    uint32 = 1 << 1 // root is an array; ArrayType and ArrayLength are set
	FlagVerify   uint32 = 1 << 2 // Digest and LastVisit are set
	FlagIterable uint32 = 1 << 3 // several roots follow each other in the stream
	FlagBFS      uint32 = 1 << 4 // traversal uses a FIFO frontier
)

// Header describes one pipelined batch.
type Header struct {
	PayloadBytes    uint32
	Objects         uint32
	BackRefBytes    uint32
	TruncationCount uint32
	TypeEntries     uint32
	Flags           uint32
	ArrayType       uint64
	ArrayLength     uint32
	LastVisit       uint32
	Digest          uint64
}

// Has reports whether flag is set.
func (h *Header) Has(flag uint32) bool { return h.Flags&flag != 0 }

// BackRef says that the object visited at Visit was already sent and starts
// at Offset in the byte stream.
type BackRef struct {
	Visit  uint32
	Offset uint32
}

// BackRefSize is the encoded size of BackRef.
const BackRefSize = 8

// Truncation reports that the last Unused bytes of the region with the
// given key were skipped by the sender.
type Truncation struct {
	Key    uint32
	Unused uint32
}

// TypeEntry maps a sender type id to a shared table slot.
type TypeEntry struct {
	Remote uint64
	Slot   uint32
}

// Message is a decoded metadata message.
type Message struct {
	Truncations []Truncation
	Types       []TypeEntry
	BackRefs    []BackRef
	Header
}

// Size returns the encoded size of m.
func (m *Message) Size() int {
	return HeaderSize + 8*len(m.Truncations) + 16*len(m.Types) + BackRefSize*len(m.BackRefs)
}

// Reset clears m for reuse, keeping slice capacity.
func (m *Message) Reset() {
	m.Header = Header{}
	m.Truncations = m.Truncations[:0]
	m.Types = m.Types[:0]
	m.BackRefs = m.BackRefs[:0]
}

// AppendMessage encodes m onto dst. Header counts are derived from the
// slices.
func AppendMessage(dst []byte, m *Message) []byte {
	h := m.Header
	h.TruncationCount = uint32(len(m.Truncations))
	h.TypeEntries = uint32(len(m.Types))
	h.BackRefBytes = uint32(len(m.BackRefs)) * BackRefSize

	le := binary.LittleEndian
	dst = le.AppendUint32(dst, h.PayloadBytes)
	dst = le.AppendUint32(dst, h.Objects)
	dst = le.AppendUint32(dst, h.BackRefBytes)
	dst = le.AppendUint32(dst, h.TruncationCount)
	dst = le.AppendUint32(dst, h.TypeEntries)
	dst = le.AppendUint32(dst, h.Flags)
	dst = le.AppendUint64(dst, h.ArrayType)
	dst = le.AppendUint32(dst, h.ArrayLength)
	dst = le.AppendUint32(dst, h.LastVisit)
	dst = le.AppendUint64(dst, h.Digest)

	for _, t := range m.Truncations {
		dst = le.AppendUint32(dst, t.Key)
		dst = le.AppendUint32(dst, t.Unused)
	}
	for _, e := range m.Types {
		dst = le.AppendUint64(dst, e.Remote)
		dst = le.AppendUint32(dst, e.Slot)
		dst = le.AppendUint32(dst, 0)
	}
	for _, r := range m.BackRefs {
		dst = le.AppendUint32(dst, r.Visit)
		dst = le.AppendUint32(dst, r.Offset)
	}
	return dst
}

// DecodeHeader decodes the fixed header at the start of b.
func DecodeHeader(b []byte, h *Header) error {
	if len(b) < HeaderSize {
		return errors.New(errors.PhaseWire, errors.KindTruncated).
			Detail("header needs %d bytes, have %d", HeaderSize, len(b)).
			Build()
	}
	le := binary.LittleEndian
	h.PayloadBytes = le.Uint32(b[0:])
	h.Objects = le.Uint32(b[4:])
	h.BackRefBytes = le.Uint32(b[8:])
	h.TruncationCount = le.Uint32(b[12:])
	h.TypeEntries = le.Uint32(b[16:])
	h.Flags = le.Uint32(b[20:])
	h.ArrayType = le.Uint64(b[24:])
	h.ArrayLength = le.Uint32(b[32:])
	h.LastVisit = le.Uint32(b[36:])
	h.Digest = le.Uint64(b[40:])
	return nil
}

// EncodedSize returns the message size announced by h.
func (h *Header) EncodedSize() uint64 {
	return HeaderSize + 8*uint64(h.TruncationCount) + 16*uint64(h.TypeEntries) + uint64(h.BackRefBytes)
}

// DecodeMessage decodes b into m, reusing m's slices.
func DecodeMessage(b []byte, m *Message) error {
	m.Reset()
	if err := DecodeHeader(b, &m.Header); err != nil {
		return err
	}
	h := &m.Header
	if h.BackRefBytes%BackRefSize != 0 {
		return errors.Protocol(errors.PhaseWire, "back-reference bytes %d not a multiple of %d", h.BackRefBytes, BackRefSize)
	}
	if need := h.EncodedSize(); uint64(len(b)) < need {
		return errors.New(errors.PhaseWire, errors.KindTruncated).
			Detail("message needs %d bytes, have %d", need, len(b)).
			Build()
	}

	le := binary.LittleEndian
	p := b[HeaderSize:]
	for i := uint32(0); i < h.TruncationCount; i++ {
		m.Truncations = append(m.Truncations, Truncation{Key: le.Uint32(p), Unused: le.Uint32(p[4:])})
		p = p[8:]
	}
	for i := uint32(0); i < h.TypeEntries; i++ {
		m.Types = append(m.Types, TypeEntry{Remote: le.Uint64(p), Slot: le.Uint32(p[8:])})
		p = p[16:]
	}
	for i := uint32(0); i < h.BackRefBytes/BackRefSize; i++ {
		m.BackRefs = append(m.BackRefs, BackRef{Visit: le.Uint32(p), Offset: le.Uint32(p[4:])})
		p = p[8:]
	}
	return nil
}
