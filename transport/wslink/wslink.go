// Package wslink carries a transport.Link over a websocket connection.
//
// Every work request becomes one binary message holding a msgpack frame.
// The peer's reader goroutine applies writes to its registered memory in
// arrival order, so a delivery is never observed before the writes that
// preceded it. Local completions are produced once a frame has been handed
// to the connection.
package wslink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/transport"
)

type frame struct {
	Data []byte       `msgpack:"d,omitempty"`
	Addr uint64       `msgpack:"a,omitempty"`
	Key  uint32       `msgpack:"k,omitempty"`
	Imm  uint32       `msgpack:"i,omitempty"`
	Op   transport.Op `msgpack:"o"`
}

type registration struct {
	w      transport.Writer
	addr   uint64
	length uint32
}

var (
	logger   *zap.Logger
	loggerMu sync.RWMutex
)

// Logger returns the package logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// SetLogger installs l for the package.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// Link is a transport.Link over one websocket connection.
type Link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	regs    map[uint32]registration
	cq      []transport.Completion
	inbound []transport.Completion
	err     error
	nextKey uint32
	posted  uint32
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// New wraps conn and starts its reader.
func New(conn *websocket.Conn) *Link {
	l := &Link{
		conn:   conn,
		regs:   make(map[uint32]registration),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.read()
	return l
}

// Dial connects to a websocket endpoint.
func Dial(ctx context.Context, url string) (*Link, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseTransport, errors.KindClosed, err, "dial "+url)
	}
	Logger().Info("websocket link connected", zap.String("url", url))
	return New(conn), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
}

// Handler upgrades every request and hands the resulting link to accept.
func Handler(accept func(*Link)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Logger().Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		accept(New(conn))
	})
}

func (l *Link) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Post implements transport.Link.
func (l *Link) Post(wr transport.WorkRequest) error {
	l.mu.Lock()
	err := l.err
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.Closed(errors.PhaseTransport, "websocket link")
	}
	if err != nil {
		return err
	}

	b, merr := msgpack.Marshal(&frame{
		Op:   wr.Op,
		Key:  wr.Remote.Key,
		Addr: wr.Remote.Addr,
		Imm:  wr.Imm,
		Data: wr.Data,
	})
	if merr != nil {
		return errors.Wrap(errors.PhaseWire, errors.KindInvalidData, merr, "encode frame")
	}
	l.writeMu.Lock()
	werr := l.conn.WriteMessage(websocket.BinaryMessage, b)
	l.writeMu.Unlock()

	if wr.Signaled || werr != nil {
		c := transport.Completion{Kind: transport.SendDone, ID: wr.ID}
		if werr != nil {
			c.Err = errors.Wrap(errors.PhaseTransport, errors.KindCompletion, werr, "write frame")
		}
		l.mu.Lock()
		l.cq = append(l.cq, c)
		l.mu.Unlock()
		l.wake()
	}
	return nil
}

func (l *Link) read() {
	defer close(l.done)
	for {
		typ, b, err := l.conn.ReadMessage()
		if err != nil {
			l.shutdown(err)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		var f frame
		if err := msgpack.Unmarshal(b, &f); err != nil {
			l.shutdown(errors.Wrap(errors.PhaseWire, errors.KindInvalidData, err, "decode frame"))
			return
		}
		if err := l.apply(&f); err != nil {
			l.shutdown(err)
			return
		}
	}
}

func (l *Link) apply(f *frame) error {
	if f.Op != transport.OpSend {
		l.mu.Lock()
		reg, ok := l.regs[f.Key]
		l.mu.Unlock()
		if !ok {
			return errors.Protocol(errors.PhaseTransport, "write to unregistered key %d", f.Key)
		}
		if f.Addr < reg.addr || f.Addr+uint64(len(f.Data)) > reg.addr+uint64(reg.length) {
			return errors.OutOfBounds(errors.PhaseTransport, f.Addr, uint64(len(f.Data)), reg.addr+uint64(reg.length))
		}
		if err := reg.w.WriteRange(f.Addr, f.Data); err != nil {
			return err
		}
	}
	if !f.Op.ConsumesReceive() {
		return nil
	}
	c := transport.Completion{Kind: transport.Received, Imm: f.Imm, Length: uint32(len(f.Data))}
	if f.Op == transport.OpSend {
		c.Data = f.Data
	}
	l.mu.Lock()
	if l.posted == 0 {
		l.inbound = append(l.inbound, c)
	} else {
		l.posted--
		l.cq = append(l.cq, c)
	}
	l.mu.Unlock()
	l.wake()
	return nil
}

func (l *Link) shutdown(err error) {
	l.mu.Lock()
	if l.err == nil && !l.closed {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			l.err = errors.Closed(errors.PhaseTransport, "peer closed websocket link")
		} else {
			l.err = errors.Wrap(errors.PhaseTransport, errors.KindClosed, err, "websocket link")
		}
		Logger().Debug("websocket link stopped", zap.Error(err))
	}
	l.mu.Unlock()
	l.wake()
}

// Poll implements transport.Link.
func (l *Link) Poll(dst []transport.Completion) ([]transport.Completion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dst = append(dst, l.cq...)
	l.cq = l.cq[:0]
	return dst, nil
}

// Wait implements transport.Link.
func (l *Link) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		ready := len(l.cq) > 0
		err := l.err
		if l.closed {
			err = errors.Closed(errors.PhaseTransport, "websocket link")
		}
		l.mu.Unlock()
		if ready {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return errors.Wrap(errors.PhaseTransport, errors.KindCanceled, ctx.Err(), "wait for completion")
		}
	}
}

// PostReceives implements transport.Link.
func (l *Link) PostReceives(n uint32) error {
	l.mu.Lock()
	l.posted += n
	moved := false
	for l.posted > 0 && len(l.inbound) > 0 {
		l.posted--
		l.cq = append(l.cq, l.inbound[0])
		l.inbound = l.inbound[1:]
		moved = true
	}
	l.mu.Unlock()
	if moved {
		l.wake()
	}
	return nil
}

// Register implements transport.Link.
func (l *Link) Register(addr uint64, length uint32, w transport.Writer) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextKey++
	l.regs[l.nextKey] = registration{w: w, addr: addr, length: length}
	return l.nextKey, nil
}

// Deregister implements transport.Link.
func (l *Link) Deregister(key uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.regs[key]; !ok {
		return errors.NotFound(errors.PhaseTransport, "registration")
	}
	delete(l.regs, key)
	return nil
}

// Close sends a close frame and releases the connection.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	err := l.conn.Close()
	<-l.done
	l.wake()
	return err
}

var _ transport.Link = (*Link)(nil)
