// Package wire defines the bytes exchanged by a transport session: the
// fixed-width metadata message that accompanies every pipelined batch, the
// immediate value carried by signalling operations, and the msgpack control
// payloads used for the handshake and region negotiation.
//
// Metadata message layout, little endian:
//
//	header       48 bytes (see Header)
//	truncations  TruncationCount * (u32 key, u32 unused)
//	type table   TypeEntries     * (u64 remote id, u32 slot, u32 reserved)
//	back refs    BackRefBytes/8  * (u32 visit index, u32 offset)
package wire
