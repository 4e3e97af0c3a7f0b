package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
)

func TestHubRequestReply(t *testing.T) {
	testlog.Start(t)

	hub := NewHub(DefaultConfig())
	defer hub.Close()

	go func() {
		req := <-hub.Requests()
		_ = req.Reply(protocol.Reply(req.Msg, "running", "", map[string]any{"platform": 0}))
		if err := req.Reply(protocol.OKMsg(req.Msg)); !errors.Is(err, ErrAlreadyReplied) {
			t.Errorf("second reply err=%v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sent := protocol.NewMsg(protocol.KeyGetState, "", "", nil)
	got, err := hub.Requester().Request(ctx, sent)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got.Key() != "running" || got.MsgID() != sent.MsgID() {
		t.Fatalf("reply=%v", got)
	}
}

func TestHubRequestTimesOutWithoutServer(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	hub := NewHub(cfg)
	_, err := hub.Requester().Request(context.Background(), protocol.NewMsg("getstate", "", "", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestHubBroadcastAndStatusFanout(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	hub := NewHub(cfg)

	a := hub.SubscribeBroadcast()
	b := hub.SubscribeBroadcast()
	st := hub.SubscribeStatus()

	_ = hub.Publish(protocol.TopicAll, protocol.NewMsg("rollcall", "", "", nil))
	// queue depth 1: the second publish is dropped for both subscribers
	_ = hub.Publish(protocol.TopicPartition, protocol.NewMsg("connect", "", "", nil))
	for _, sub := range []BroadcastSubscriber{a, b} {
		d := <-sub.Deliveries()
		if d.Topic != protocol.TopicAll || d.Msg.Key() != "rollcall" {
			t.Fatalf("delivery=%+v", d)
		}
		select {
		case d := <-sub.Deliveries():
			t.Fatalf("unexpected delivery %+v", d)
		default:
		}
	}

	_ = hub.PublishStatus(protocol.ErrorMsg("x"))
	if msg := <-st.Messages(); msg.Key() != protocol.KeyError {
		t.Fatalf("status=%v", msg)
	}

	_ = a.Close()
	if _, ok := <-a.Deliveries(); ok {
		t.Fatalf("closed subscription should be drained and closed")
	}

	if err := hub.Push(protocol.NewMsg("x", "", "w", nil)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := hub.Push(protocol.NewMsg("y", "", "w", nil)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	_ = hub.Close()
	if err := hub.Publish("all", protocol.NewMsg("x", "", "", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNextBackoffDelay(t *testing.T) {
	testlog.Start(t)

	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	if got := NextBackoffDelay(cfg, 1, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt1=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 200*time.Millisecond {
		t.Fatalf("attempt2=%v", got)
	}
	if got := NextBackoffDelay(cfg, 5, nil); got != 300*time.Millisecond {
		t.Fatalf("attempt5=%v", got)
	}
	cfg.Jitter = true
	if got := NextBackoffDelay(cfg, 2, nil); got != 100*time.Millisecond {
		t.Fatalf("jitter without rng=%v", got)
	}
}

func TestPortsFor(t *testing.T) {
	testlog.Start(t)

	p := PortsFor(4)
	if p.BackPull != 29984 || p.BackPub != 29994 || p.FrontRep != 30004 || p.FrontPub != 30014 {
		t.Fatalf("ports=%+v", p)
	}
}
