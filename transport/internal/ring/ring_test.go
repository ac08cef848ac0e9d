package ring

import (
	"math/rand"
	"testing"
)

func TestTracker_Wrap(t *testing.T) {
	tr := NewTracker(100)
	r := NewReader(100)

	for i, n := range []uint32{40, 40} {
		off, ok := tr.Reserve(n)
		if !ok {
			t.Fatalf("Reserve %d failed", i)
		}
		if want := uint32(i) * 40; off != want {
			t.Errorf("Reserve %d: got offset %d, want %d", i, off, want)
		}
		if roff, _ := r.Next(n); roff != off {
			t.Errorf("Next %d: got %d, want %d", i, roff, off)
		}
	}
	// 30 bytes do not fit in the remaining 20, and the skipped tail plus the
	// record exceed the free space.
	if _, ok := tr.Reserve(30); ok {
		t.Fatal("Reserve should fail before release")
	}
	if !tr.Release(r.Commit()) {
		t.Fatal("Release failed")
	}
	off, ok := tr.Reserve(30)
	if !ok || off != 0 {
		t.Fatalf("Reserve after release: got %d, %v, want 0, true", off, ok)
	}
	if roff, _ := r.Next(30); roff != 0 {
		t.Errorf("reader did not wrap: got %d", roff)
	}
	if got, want := tr.Used(), uint32(20+30); got != want {
		t.Errorf("Used: got %d, want %d", got, want)
	}
	if got := r.Uncommitted(); got != 50 {
		t.Errorf("Uncommitted: got %d, want 50", got)
	}
}

func TestTracker_Limits(t *testing.T) {
	tr := NewTracker(64)
	if _, ok := tr.Reserve(0); ok {
		t.Error("empty record accepted")
	}
	if _, ok := tr.Reserve(65); ok {
		t.Error("oversized record accepted")
	}
	if tr.Release(1) {
		t.Error("release beyond used accepted")
	}
}

func TestTracker_AgreesWithReader(t *testing.T) {
	type record struct{ n, off uint32 }
	rng := rand.New(rand.NewSource(3))
	tr := NewTracker(1 << 12)
	r := NewReader(1 << 12)
	var pending []record
	for i := 0; i < 10000; i++ {
		n := uint32(rng.Intn(700) + 1)
		off, ok := tr.Reserve(n)
		if ok {
			pending = append(pending, record{n, off})
			continue
		}
		for _, p := range pending {
			got, ok := r.Next(p.n)
			if !ok || got != p.off {
				t.Fatalf("record of %d bytes: reader at %d, writer at %d", p.n, got, p.off)
			}
		}
		pending = pending[:0]
		if !tr.Release(r.Commit()) {
			t.Fatal("Release rejected a full commit")
		}
		if tr.Used() != 0 {
			t.Fatalf("Used after full commit: %d", tr.Used())
		}
	}
}
