package typenaming

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/heap"
	"github.com/wippyai/graphwire/typebridge"
)

func catalog(t *testing.T) *heap.Types {
	t.Helper()
	ts := heap.NewTypes(10)
	if _, err := heap.DefineSchema(ts); err != nil {
		t.Fatalf("DefineSchema: %v", err)
	}
	return ts
}

// checkNamer runs the lookups every namer must answer alike.
func checkNamer(t *testing.T, n typebridge.Namer, ts *heap.Types) {
	t.Helper()
	ctx := context.Background()
	for _, ty := range ts.All() {
		name, err := n.NameOf(ctx, ty.ID)
		if err != nil {
			t.Fatalf("NameOf(%d): %v", ty.ID, err)
		}
		if name != ty.Name {
			t.Errorf("NameOf(%d): got %q, want %q", ty.ID, name, ty.Name)
		}
	}
	if _, err := n.NameOf(ctx, 9999); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("NameOf(9999): got %v, want not found", err)
	}
}

func TestLocal(t *testing.T) {
	ts := catalog(t)
	checkNamer(t, NewLocal(ts), ts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocal(ts).NameOf(ctx, 10); !errors.IsKind(err, errors.KindCanceled) {
		t.Errorf("canceled lookup: got %v", err)
	}
}

func entries(ts *heap.Types) []Entry {
	var out []Entry
	for _, ty := range ts.All() {
		out = append(out, Entry{ID: ty.ID, Name: ty.Name})
	}
	return out
}

func TestStore(t *testing.T) {
	ts := catalog(t)
	path := filepath.Join(t.TempDir(), "types.db")

	w, err := OpenStore(path, StoreOptions{Namespace: "sender-a"})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := w.Publish(entries(ts)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n, err := w.Len(); err != nil || n != len(ts.All()) {
		t.Errorf("Len: got %d, %v, want %d", n, err, len(ts.All()))
	}
	checkNamer(t, w, ts)

	// republishing replaces the namespace
	if err := w.Publish(entries(ts)[:1]); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n, _ := w.Len(); n != 1 {
		t.Errorf("Len after republish: got %d, want 1", n)
	}
	if err := w.Publish(entries(ts)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenStore(path, StoreOptions{Namespace: "sender-a", ReadOnly: true})
	if err != nil {
		t.Fatalf("OpenStore read-only: %v", err)
	}
	defer r.Close()
	checkNamer(t, r, ts)

	other, err := OpenStore(filepath.Join(t.TempDir(), "empty.db"), StoreOptions{Namespace: "nobody"})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := other.NameOf(context.Background(), 10); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("empty store: got %v, want not found", err)
	}
}

func TestStore_NoNamespace(t *testing.T) {
	_, err := OpenStore(filepath.Join(t.TempDir(), "x.db"), StoreOptions{})
	if !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("OpenStore: got %v, want invalid input", err)
	}
}

func TestGRPC(t *testing.T) {
	ts := catalog(t)
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(ts)
	go func() { _ = srv.Serve(lis) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	c := NewClient(conn, 5*time.Second)
	ok, err := c.Healthy(context.Background())
	if err != nil || !ok {
		t.Fatalf("Healthy: got %v, %v", ok, err)
	}
	checkNamer(t, c, ts)

	// the bridge resolves through the remote catalog
	local := heap.NewTypes(300)
	if _, err := heap.DefineSchema(local); err != nil {
		t.Fatal(err)
	}
	b := typebridge.NewOnDemand(local, c)
	remote, _ := ts.Lookup("graphwire.Leaf")
	want, _ := local.Lookup("graphwire.Leaf")
	got, err := b.Resolve(context.Background(), remote)
	if err != nil || got != want {
		t.Errorf("Resolve: got %d, %v, want %d", got, err, want)
	}
}

func TestNATS(t *testing.T) {
	url := os.Getenv("GRAPHWIRE_NATS_URL")
	if url == "" {
		t.Skip("GRAPHWIRE_NATS_URL not set")
	}
	nc, err := nats.Connect(url, nats.Timeout(2*time.Second))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	ts := catalog(t)
	subject := "graphwire.test." + t.Name()
	r, err := NewResponder(nc, subject, "", ts)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	defer r.Close()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}
	checkNamer(t, NewNATSClient(nc, subject), ts)
}

var _ = []typebridge.Namer{(*Local)(nil), (*Store)(nil), (*Client)(nil), (*NATSClient)(nil)}
