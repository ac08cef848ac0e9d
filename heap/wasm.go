package heap

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/graphwire/errors"
)

const wasmPageSize = 65536

// WasmConfig configures a wazero-backed space.
type WasmConfig struct {
	// InitialPages is the starting size in 64KB pages. 0 means 16 (1MB).
	InitialPages uint32
	// MemoryLimitPages caps growth. 0 means the wazero default (4GB).
	MemoryLimitPages uint32
}

// wasmSpace is a Space over the exported memory of a memory-only module.
type wasmSpace struct {
	runtime wazero.Runtime
	module  api.Module
	mem     api.Memory
}

// NewWasmSpace instantiates a module exporting a single linear memory and
// returns it as a Space.
func NewWasmSpace(ctx context.Context, cfg *WasmConfig) (Space, error) {
	pages := uint32(16)
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil {
		if cfg.InitialPages > 0 {
			pages = cfg.InitialPages
		}
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
	}

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	mod, err := rt.Instantiate(ctx, memoryModule(pages))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseHeap, errors.KindAllocation, err, "instantiate memory module")
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		_ = rt.Close(ctx)
		return nil, errors.NotFound(errors.PhaseHeap, "memory export")
	}
	return &wasmSpace{runtime: rt, module: mod, mem: mem}, nil
}

// memoryModule encodes a module with one memory of the given page count
// exported as "memory".
func memoryModule(pages uint32) []byte {
	var wasm []byte

	// Magic and version
	wasm = append(wasm, 0x00, 0x61, 0x73, 0x6d)
	wasm = append(wasm, 0x01, 0x00, 0x00, 0x00)

	// Memory section: one memory, min only
	memSection := []byte{0x01, 0x00}
	memSection = append(memSection, uleb128(pages)...)
	wasm = append(wasm, 0x05)
	wasm = append(wasm, uleb128(uint32(len(memSection)))...)
	wasm = append(wasm, memSection...)

	// Export section
	name := "memory"
	exportSection := []byte{0x01}
	exportSection = append(exportSection, uleb128(uint32(len(name)))...)
	exportSection = append(exportSection, name...)
	exportSection = append(exportSection, 0x02, 0x00)
	wasm = append(wasm, 0x07)
	wasm = append(wasm, uleb128(uint32(len(exportSection)))...)
	wasm = append(wasm, exportSection...)

	return wasm
}

func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func (s *wasmSpace) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := s.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("memory read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (s *wasmSpace) Write(offset uint32, data []byte) error {
	if !s.mem.Write(offset, data) {
		return fmt.Errorf("memory write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (s *wasmSpace) ReadU32(offset uint32) (uint32, error) {
	v, ok := s.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (s *wasmSpace) ReadU64(offset uint32) (uint64, error) {
	v, ok := s.mem.ReadUint64Le(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (s *wasmSpace) WriteU32(offset uint32, value uint32) error {
	if !s.mem.WriteUint32Le(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}

func (s *wasmSpace) WriteU64(offset uint32, value uint64) error {
	if !s.mem.WriteUint64Le(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}

func (s *wasmSpace) Size() uint32 { return s.mem.Size() }

func (s *wasmSpace) Grow(n uint32) (uint32, bool) {
	delta := (n + wasmPageSize - 1) / wasmPageSize
	if _, ok := s.mem.Grow(delta); !ok {
		return s.mem.Size(), false
	}
	return s.mem.Size(), true
}

func (s *wasmSpace) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
