package wire

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Visit outcomes folded into a Digest.
const (
	VisitNew     byte = 'n'
	VisitBackRef byte = 'b'
)

// Digest accumulates the traversal order seen by one side of a transfer.
// Both sides fold the same sequence, so equal sums at a batch boundary mean
// the receiver replayed exactly what the sender walked.
type Digest struct {
	h   *xxhash.Digest
	buf [17]byte
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	return &Digest{h: xxhash.New()}
}

// Fold adds one visit. For new objects v is the object length, for
// back-references it is the stream offset.
func (d *Digest) Fold(visit uint32, outcome byte, v uint32, typ uint64) {
	binary.LittleEndian.PutUint32(d.buf[0:], visit)
	d.buf[4] = outcome
	binary.LittleEndian.PutUint32(d.buf[5:], v)
	binary.LittleEndian.PutUint64(d.buf[9:], typ)
	_, _ = d.h.Write(d.buf[:])
}

// Sum returns the digest of everything folded so far.
func (d *Digest) Sum() uint64 { return d.h.Sum64() }

// Reset clears the digest.
func (d *Digest) Reset() { d.h.Reset() }
