package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol"
)

// connTracker closes every accepted connection on shutdown.
type connTracker struct {
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]struct{})}
}

func (t *connTracker) trackConn(conn net.Conn) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	t.conns[conn] = struct{}{}
}

func (t *connTracker) untrackConn(conn net.Conn) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	delete(t.conns, conn)
}

func (t *connTracker) closeAllConns() {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	for conn := range t.conns {
		_ = conn.Close()
		delete(t.conns, conn)
	}
}

// serve runs an accept loop on ln until ctx ends.
func (t *connTracker) serve(ctx context.Context, ln net.Listener, name string, handle func(net.Conn)) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	logs.Infof("transport.serve channel=%s addr=%s", name, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		t.trackConn(conn)
		go func() {
			defer t.untrackConn(conn)
			defer conn.Close()
			handle(conn)
		}()
	}
}

// lineWriters fans encoded lines out to connected subscribers. Each peer has
// its own queue; a full queue drops the line for that peer only.
type lineWriters struct {
	mu    sync.Mutex
	cfg   Config
	peers map[net.Conn]chan []byte
}

func newLineWriters(cfg Config) *lineWriters {
	return &lineWriters{cfg: cfg, peers: make(map[net.Conn]chan []byte)}
}

// attach pumps queued lines to conn until it fails or ctx ends.
func (w *lineWriters) attach(ctx context.Context, conn net.Conn) {
	out := make(chan []byte, w.cfg.QueueDepth)
	w.mu.Lock()
	w.peers[conn] = out
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.peers, conn)
		w.mu.Unlock()
	}()

	// a subscriber never writes; a read returning means the peer went away
	gone := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(conn).ReadByte()
		close(gone)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case line := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if _, err := conn.Write(line); err != nil {
				logs.Warnf("transport.publish write remote=%q err=%v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}

func (w *lineWriters) send(v any) error {
	var buf lineBuffer
	if err := protocol.WriteLine(&buf, v); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for conn, out := range w.peers {
		select {
		case out <- buf:
		default:
			logs.Warnf("transport.publish dropped remote=%q", conn.RemoteAddr())
		}
	}
	return nil
}

type lineBuffer []byte

func (b *lineBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// TCPBackend serves the back-pull and back-publish channels.
type TCPBackend struct {
	cfg      Config
	tracker  *connTracker
	incoming chan protocol.Message
	pub      *lineWriters
}

func NewTCPBackend(cfg Config) *TCPBackend {
	cfg = cfg.WithDefaults()
	return &TCPBackend{
		cfg:      cfg,
		tracker:  newConnTracker(),
		incoming: make(chan protocol.Message, cfg.QueueDepth),
		pub:      newLineWriters(cfg),
	}
}

func (b *TCPBackend) Incoming() <-chan protocol.Message { return b.incoming }

func (b *TCPBackend) Publish(topic string, msg protocol.Message) error {
	return b.pub.send(protocol.Delivery{Topic: topic, Msg: msg})
}

// Serve blocks until ctx ends or a listener fails.
func (b *TCPBackend) Serve(ctx context.Context, pullLn, pubLn net.Listener) error {
	defer b.tracker.closeAllConns()
	return serveBoth(ctx,
		func(ctx context.Context) error {
			return b.tracker.serve(ctx, pullLn, "back-pull", func(conn net.Conn) { b.handlePull(ctx, conn) })
		},
		func(ctx context.Context) error {
			return b.tracker.serve(ctx, pubLn, "back-pub", func(conn net.Conn) { b.pub.attach(ctx, conn) })
		},
	)
}

func (b *TCPBackend) handlePull(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logs.Debugf("transport.backend pull closed remote=%q err=%v", conn.RemoteAddr(), err)
			}
			return
		}
		select {
		case b.incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// TCPFrontend serves the front-reply and front-publish channels.
type TCPFrontend struct {
	cfg      Config
	tracker  *connTracker
	requests chan *Request
	status   *lineWriters
}

func NewTCPFrontend(cfg Config) *TCPFrontend {
	cfg = cfg.WithDefaults()
	return &TCPFrontend{
		cfg:      cfg,
		tracker:  newConnTracker(),
		requests: make(chan *Request, cfg.QueueDepth),
		status:   newLineWriters(cfg),
	}
}

func (f *TCPFrontend) Requests() <-chan *Request { return f.requests }

func (f *TCPFrontend) PublishStatus(msg protocol.Message) error {
	return f.status.send(msg)
}

func (f *TCPFrontend) Serve(ctx context.Context, repLn, pubLn net.Listener) error {
	defer f.tracker.closeAllConns()
	return serveBoth(ctx,
		func(ctx context.Context) error {
			return f.tracker.serve(ctx, repLn, "front-rep", func(conn net.Conn) { f.handleRequests(ctx, conn) })
		},
		func(ctx context.Context) error {
			return f.tracker.serve(ctx, pubLn, "front-pub", func(conn net.Conn) { f.status.attach(ctx, conn) })
		},
	)
}

func (f *TCPFrontend) handleRequests(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			return
		}
		req := NewRequest(msg)
		select {
		case f.requests <- req:
		case <-ctx.Done():
			return
		}
		reply, err := req.Wait(ctx)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
		if err := protocol.WriteLine(conn, reply); err != nil {
			logs.Warnf("transport.frontend write reply remote=%q err=%v", conn.RemoteAddr(), err)
			return
		}
	}
}

func serveBoth(ctx context.Context, a, b func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- a(ctx) }()
	go func() { errs <- b(ctx) }()
	first := <-errs
	cancel()
	second := <-errs
	if first != nil {
		return first
	}
	return second
}

// Dial connects to addr, retrying with backoff up to cfg.DialRetries times.
func Dial(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= cfg.DialRetries+1; attempt++ {
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		logs.Debugf("transport.dial retry addr=%q attempt=%d delay=%s err=%v", addr, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("transport: dial %s: %w", addr, lastErr)
}

// TCPRequester keeps one request connection and redials after any failure.
type TCPRequester struct {
	addr   string
	cfg    Config
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func NewTCPRequester(addr string, cfg Config) *TCPRequester {
	return &TCPRequester{addr: addr, cfg: cfg.WithDefaults()}
}

func (r *TCPRequester) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		conn, err := Dial(ctx, r.addr, r.cfg)
		if err != nil {
			return protocol.Message{}, err
		}
		r.conn = conn
		r.reader = bufio.NewReader(conn)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(r.cfg.RequestTimeout)
	}
	_ = r.conn.SetDeadline(deadline)
	if err := protocol.WriteLine(r.conn, msg); err != nil {
		r.resetLocked()
		return protocol.Message{}, err
	}
	reply, err := protocol.ReadMessage(r.reader)
	if err != nil {
		r.resetLocked()
		return protocol.Message{}, err
	}
	return reply, nil
}

func (r *TCPRequester) resetLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.conn = nil
	r.reader = nil
}

func (r *TCPRequester) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	return nil
}

type tcpSubscriber[T any] struct {
	conn net.Conn
	ch   chan T
	once sync.Once
}

func dialSubscriber[T any](ctx context.Context, addr string, cfg Config, read func(*bufio.Reader) (T, error)) (*tcpSubscriber[T], error) {
	cfg = cfg.WithDefaults()
	conn, err := Dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	s := &tcpSubscriber[T]{conn: conn, ch: make(chan T, cfg.QueueDepth)}
	go func() {
		defer close(s.ch)
		reader := bufio.NewReader(conn)
		for {
			v, err := read(reader)
			if err != nil {
				return
			}
			select {
			case s.ch <- v:
			default:
				logs.Warnf("transport.subscriber dropped addr=%q", addr)
			}
		}
	}()
	return s, nil
}

func (s *tcpSubscriber[T]) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}

type tcpStatusSubscriber struct{ *tcpSubscriber[protocol.Message] }

func (s tcpStatusSubscriber) Messages() <-chan protocol.Message { return s.ch }

type tcpBroadcastSubscriber struct{ *tcpSubscriber[protocol.Delivery] }

func (s tcpBroadcastSubscriber) Deliveries() <-chan protocol.Delivery { return s.ch }

func DialStatus(ctx context.Context, addr string, cfg Config) (Subscriber, error) {
	s, err := dialSubscriber(ctx, addr, cfg, protocol.ReadMessage)
	if err != nil {
		return nil, err
	}
	return tcpStatusSubscriber{s}, nil
}

func DialBroadcast(ctx context.Context, addr string, cfg Config) (BroadcastSubscriber, error) {
	s, err := dialSubscriber(ctx, addr, cfg, protocol.ReadDelivery)
	if err != nil {
		return nil, err
	}
	return tcpBroadcastSubscriber{s}, nil
}

// TCPPusher writes worker messages to the back-pull channel.
type TCPPusher struct {
	cfg  Config
	mu   sync.Mutex
	conn net.Conn
}

func DialPusher(ctx context.Context, addr string, cfg Config) (*TCPPusher, error) {
	cfg = cfg.WithDefaults()
	conn, err := Dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	return &TCPPusher{cfg: cfg, conn: conn}, nil
}

func (p *TCPPusher) Push(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	return protocol.WriteLine(p.conn, msg)
}

func (p *TCPPusher) Close() error { return p.conn.Close() }
