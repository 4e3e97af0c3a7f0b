package transport

import (
	"context"
	"sync/atomic"

	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol"
)

// Hub wires all four channels in process. It satisfies Backend and
// Frontend for the orchestrator and hands out client and worker ends.
type Hub struct {
	cfg       Config
	incoming  chan protocol.Message
	requests  chan *Request
	broadcast *fanout[protocol.Delivery]
	status    *fanout[protocol.Message]
	closed    atomic.Bool
}

func NewHub(cfg Config) *Hub {
	cfg = cfg.WithDefaults()
	return &Hub{
		cfg:       cfg,
		incoming:  make(chan protocol.Message, cfg.QueueDepth),
		requests:  make(chan *Request, cfg.QueueDepth),
		broadcast: newFanout[protocol.Delivery](cfg.QueueDepth),
		status:    newFanout[protocol.Message](cfg.QueueDepth),
	}
}

func (h *Hub) Publish(topic string, msg protocol.Message) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if dropped := h.broadcast.send(protocol.Delivery{Topic: topic, Msg: msg}); dropped > 0 {
		logs.Warnf("transport.hub publish dropped topic=%q key=%q subscribers=%d", topic, msg.Key(), dropped)
	}
	return nil
}

func (h *Hub) Incoming() <-chan protocol.Message { return h.incoming }

func (h *Hub) Requests() <-chan *Request { return h.requests }

func (h *Hub) PublishStatus(msg protocol.Message) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if dropped := h.status.send(msg); dropped > 0 {
		logs.Warnf("transport.hub status dropped key=%q subscribers=%d", msg.Key(), dropped)
	}
	return nil
}

// Push enqueues a worker message on the back-pull channel.
func (h *Hub) Push(msg protocol.Message) error {
	if h.closed.Load() {
		return ErrClosed
	}
	select {
	case h.incoming <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *Hub) SubscribeStatus() Subscriber {
	return statusSubscription{h.status.subscribe()}
}

func (h *Hub) SubscribeBroadcast() BroadcastSubscriber {
	return broadcastSubscription{h.broadcast.subscribe()}
}

func (h *Hub) Requester() Requester {
	return &hubRequester{hub: h}
}

// Close ends every subscription. Pending requests are left to their contexts.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.broadcast.closeAll()
	h.status.closeAll()
	return nil
}

type hubRequester struct {
	hub *Hub
}

func (r *hubRequester) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if r.hub.closed.Load() {
		return protocol.Message{}, ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.hub.cfg.RequestTimeout)
		defer cancel()
	}
	req := NewRequest(msg)
	select {
	case r.hub.requests <- req:
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
	return req.Wait(ctx)
}

func (r *hubRequester) Close() error { return nil }
