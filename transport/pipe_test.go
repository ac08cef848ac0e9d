package transport

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/wire"
)

type byteMemory []byte

func (m byteMemory) WriteRange(addr uint64, data []byte) error {
	copy(m[addr:], data)
	return nil
}

func TestPipe_DeliveryWaitsForReceive(t *testing.T) {
	a, b := NewPipe()
	if err := a.Post(WorkRequest{Op: OpSend, Data: []byte("hi"), Imm: 3}); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Poll(nil); len(got) != 0 {
		t.Fatalf("delivered without a posted receive: %+v", got)
	}
	if got := b.Stats().NotReady; got != 1 {
		t.Errorf("NotReady: got %d, want 1", got)
	}
	if err := b.PostReceives(1); err != nil {
		t.Fatal(err)
	}
	got, _ := b.Poll(nil)
	if len(got) != 1 || string(got[0].Data) != "hi" || got[0].Imm != 3 {
		t.Fatalf("delivery: got %+v", got)
	}
}

func TestPipe_WriteImm(t *testing.T) {
	a, b := NewPipe()
	mem := make(byteMemory, 32)
	key, err := b.Register(0, 32, mem)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.PostReceives(1); err != nil {
		t.Fatal(err)
	}
	wr := WorkRequest{ID: 1, Op: OpWriteImm, Remote: wire.Region{Addr: 4, Key: key}, Data: []byte("abc"), Signaled: true}
	if err := a.Post(wr); err != nil {
		t.Fatal(err)
	}
	if string(mem[4:7]) != "abc" {
		t.Errorf("memory: got %q", mem[4:7])
	}
	got, _ := b.Poll(nil)
	if len(got) != 1 || got[0].Length != 3 || got[0].Data != nil {
		t.Errorf("delivery: got %+v", got)
	}
	done, _ := a.Poll(nil)
	if len(done) != 1 || done[0].Kind != SendDone || done[0].ID != 1 {
		t.Errorf("completion: got %+v", done)
	}
}

func TestPipe_FailedWriteCompletesWithError(t *testing.T) {
	a, b := NewPipe()
	mem := make(byteMemory, 8)
	key, _ := b.Register(0, 8, mem)
	if err := a.Post(WorkRequest{ID: 9, Op: OpWrite, Remote: wire.Region{Addr: 4, Key: key}, Data: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}
	done, _ := a.Poll(nil)
	if len(done) != 1 || !errors.IsKind(done[0].Err, errors.KindOutOfBounds) {
		t.Fatalf("completion: got %+v", done)
	}
	if err := b.Deregister(key); err != nil {
		t.Fatal(err)
	}
	if err := b.Deregister(key); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("second Deregister: got %v", err)
	}
}

func TestPipe_HoldRelease(t *testing.T) {
	a, b := NewPipe()
	key, _ := b.Register(0, 16, make(byteMemory, 16))
	a.Hold(true)
	for i := 1; i <= 3; i++ {
		if err := a.Post(WorkRequest{ID: uint64(i), Op: OpWrite, Signaled: true, Remote: wire.Region{Key: key}, Data: []byte{1}}); err != nil {
			t.Fatal(err)
		}
	}
	if done, _ := a.Poll(nil); len(done) != 0 {
		t.Fatalf("completions visible while held: %+v", done)
	}
	if n := a.Release(2); n != 2 {
		t.Errorf("Release: got %d, want 2", n)
	}
	done, _ := a.Poll(nil)
	if len(done) != 2 || done[0].ID != 1 || done[1].ID != 2 {
		t.Errorf("released: got %+v", done)
	}
	if a.Held() != 1 {
		t.Errorf("Held: got %d, want 1", a.Held())
	}
}

func TestPipe_Close(t *testing.T) {
	a, b := NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Wait(ctx) }()
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.IsKind(err, errors.KindClosed) {
		t.Fatalf("Wait: got %v, want closed", err)
	}
	if err := b.Post(WorkRequest{Op: OpSend}); !errors.IsKind(err, errors.KindClosed) {
		t.Errorf("Post to closed peer: got %v", err)
	}
}
