package wire

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/graphwire/errors"
)

// Region is a remotely writable range granted by the receiver.
type Region struct {
	Addr   uint64 `msgpack:"a"`
	Key    uint32 `msgpack:"k"`
	Length uint32 `msgpack:"l"`
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Addr + uint64(r.Length) }

// Hello is the receiver's handshake: how many receives it posted, where the
// sender writes metadata, and the first batch of data regions.
type Hello struct {
	Regions      []Region `msgpack:"regions"`
	Ring         Region   `msgpack:"ring"`
	Receives     uint32   `msgpack:"receives"`
	SegmentBytes uint32   `msgpack:"segment"`
}

// HeapRequest asks the receiver for Count more regions of at least MinBytes.
type HeapRequest struct {
	Count    uint32 `msgpack:"count"`
	MinBytes uint32 `msgpack:"min"`
}

// HeapReply carries newly granted regions.
type HeapReply struct {
	Regions []Region `msgpack:"regions"`
}

// AppendControl msgpack-encodes v onto dst.
func AppendControl(dst []byte, v any) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	enc := msgpack.GetEncoder()
	enc.Reset(buf)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return dst, errors.Wrap(errors.PhaseWire, errors.KindInvalidData, err, "encode control payload")
	}
	return buf.Bytes(), nil
}

// DecodeControl msgpack-decodes b into v.
func DecodeControl(b []byte, v any) error {
	var r bytes.Reader
	r.Reset(b)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return errors.Wrap(errors.PhaseWire, errors.KindInvalidData, err, "decode control payload")
	}
	return nil
}
