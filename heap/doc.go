// Package heap is a small managed heap that implements every host capability
// graphwire needs: the object Model walked by the sender, the raw byte Source,
// receive Buffers with pinning, and the receiver-side binding hooks.
//
// Objects are laid out in a linear address space:
//
//	+0  u64 type word (local TypeID)
//	+8  u32 element count (arrays only)
//	+12 u32 reserved
//	+16 payload, padded to 8 bytes
//
// Pointer slots hold absolute addresses; 0 is nil. The address space is a
// plain byte slice or a wazero linear memory (NewWasmSpace).
package heap
