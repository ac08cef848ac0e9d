package wire

import "fmt"

// MsgType is the kind of a signalling operation, carried in the top three
// bits of its immediate value.
type MsgType uint8

const (
	MsgData           MsgType = 0 // reserved
	MsgMetadata       MsgType = 1 // batch metadata, more follow
	MsgMetadataLast   MsgType = 2 // final batch metadata
	MsgHeapReply      MsgType = 3 // receiver grants regions
	MsgHeapRequest    MsgType = 4 // sender asks for regions
	MsgCommitOffset   MsgType = 5 // receiver consumed metadata up to token
	MsgCommitReceives MsgType = 6 // receiver posted token more receives
	MsgHello          MsgType = 7 // receiver handshake
)

const (
	tokenBits = 29
	// TokenMask masks the token part of an immediate value.
	TokenMask = 1<<tokenBits - 1
	// FirstToken is the token of the first batch of a session.
	FirstToken = 100
)

func (t MsgType) String() string {
	switch t {
	case MsgData:
		return "data"
	case MsgMetadata:
		return "metadata"
	case MsgMetadataLast:
		return "metadata-last"
	case MsgHeapReply:
		return "heap-reply"
	case MsgHeapRequest:
		return "heap-request"
	case MsgCommitOffset:
		return "commit-offset"
	case MsgCommitReceives:
		return "commit-receives"
	case MsgHello:
		return "hello"
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Imm packs a message type and token into an immediate value.
func Imm(t MsgType, token uint32) uint32 {
	return uint32(t)<<tokenBits | token&TokenMask
}

// SplitImm unpacks an immediate value.
func SplitImm(imm uint32) (MsgType, uint32) {
	return MsgType(imm >> tokenBits), imm & TokenMask
}

// NextToken returns the token after t, wrapping within the token space
// and skipping zero.
func NextToken(t uint32) uint32 {
	t = (t + 1) & TokenMask
	if t == 0 {
		t = 1
	}
	return t
}
