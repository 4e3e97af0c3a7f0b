// Package transport carries control envelopes over four logical channels:
// back-publish (orchestrator to workers, topic filtered), back-pull (workers
// to orchestrator), front-reply (client request/reply) and front-publish
// (status broadcast to clients). Delivery is at-most-once.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/danmuck/daqctl/internal/protocol"
)

const PortBase = 29980

var (
	ErrClosed         = errors.New("transport: closed")
	ErrQueueFull      = errors.New("transport: queue full")
	ErrAlreadyReplied = errors.New("transport: request already answered")
)

// Backend is the orchestrator side of the worker channels.
type Backend interface {
	Publish(topic string, msg protocol.Message) error
	Incoming() <-chan protocol.Message
}

// Frontend is the orchestrator side of the client channels.
type Frontend interface {
	Requests() <-chan *Request
	PublishStatus(msg protocol.Message) error
}

type Requester interface {
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	Close() error
}

// Subscriber receives status broadcasts.
type Subscriber interface {
	Messages() <-chan protocol.Message
	Close() error
}

// BroadcastSubscriber receives back-publish deliveries on a worker.
type BroadcastSubscriber interface {
	Deliveries() <-chan protocol.Delivery
	Close() error
}

type Pusher interface {
	Push(msg protocol.Message) error
}

// Request is one client request awaiting exactly one reply.
type Request struct {
	Msg   protocol.Message
	reply chan protocol.Message
	once  sync.Once
}

func NewRequest(msg protocol.Message) *Request {
	return &Request{Msg: msg, reply: make(chan protocol.Message, 1)}
}

func (r *Request) Reply(msg protocol.Message) error {
	err := ErrAlreadyReplied
	r.once.Do(func() {
		r.reply <- msg
		err = nil
	})
	return err
}

// Wait blocks until the reply arrives or ctx ends.
func (r *Request) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-r.reply:
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Ports are the four channel ports of one platform.
type Ports struct {
	BackPull int
	BackPub  int
	FrontRep int
	FrontPub int
}

func PortsFor(platform int) Ports {
	base := PortBase + platform
	return Ports{
		BackPull: base,
		BackPub:  base + 10,
		FrontRep: base + 20,
		FrontPub: base + 30,
	}
}

func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// fanout delivers to every subscriber without blocking; full queues drop.
type fanout[T any] struct {
	mu    sync.Mutex
	depth int
	subs  map[*subscription[T]]struct{}
}

func newFanout[T any](depth int) *fanout[T] {
	return &fanout[T]{depth: depth, subs: make(map[*subscription[T]]struct{})}
}

func (f *fanout[T]) subscribe() *subscription[T] {
	s := &subscription[T]{ch: make(chan T, f.depth), owner: f}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// send returns the number of subscribers that missed v.
func (f *fanout[T]) send(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	for s := range f.subs {
		select {
		case s.ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		close(s.ch)
		delete(f.subs, s)
	}
}

type subscription[T any] struct {
	ch    chan T
	owner *fanout[T]
}

func (s *subscription[T]) Close() error {
	f := s.owner
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		close(s.ch)
	}
	return nil
}

type statusSubscription struct{ *subscription[protocol.Message] }

func (s statusSubscription) Messages() <-chan protocol.Message { return s.ch }

type broadcastSubscription struct{ *subscription[protocol.Delivery] }

func (s broadcastSubscription) Deliveries() <-chan protocol.Delivery { return s.ch }
