package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestTCPChannelsRoundTrip(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewTCPBackend(cfg)
	frontend := NewTCPFrontend(cfg)
	pullLn, pubLn, repLn, statusLn := listen(t), listen(t), listen(t), listen(t)
	backDone := make(chan error, 1)
	frontDone := make(chan error, 1)
	go func() { backDone <- backend.Serve(ctx, pullLn, pubLn) }()
	go func() { frontDone <- frontend.Serve(ctx, repLn, statusLn) }()

	// front-reply
	go func() {
		for req := range frontend.Requests() {
			_ = req.Reply(protocol.Reply(req.Msg, "unallocated", "", nil))
		}
	}()
	requester := NewTCPRequester(repLn.Addr().String(), cfg)
	defer requester.Close()
	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	sent := protocol.NewMsg(protocol.KeyGetState, "", "", nil)
	reply, err := requester.Request(reqCtx, sent)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Key() != "unallocated" || reply.MsgID() != sent.MsgID() {
		t.Fatalf("reply=%v", reply)
	}

	// back-pull
	pusher, err := DialPusher(ctx, pullLn.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("dial pusher: %v", err)
	}
	defer pusher.Close()
	if err := pusher.Push(protocol.NewMsg("rollcall", "m1", "node-a", nil)); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case msg := <-backend.Incoming():
		if msg.Header.SenderID != "node-a" || msg.MsgID() != "m1" {
			t.Fatalf("incoming=%v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pushed message")
	}

	// back-pub and front-pub; subscribers attach asynchronously so publish until seen
	bsub, err := DialBroadcast(ctx, pubLn.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("dial broadcast: %v", err)
	}
	defer bsub.Close()
	ssub, err := DialStatus(ctx, statusLn.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("dial status: %v", err)
	}
	defer ssub.Close()

	deadline := time.After(3 * time.Second)
	gotDelivery, gotStatus := false, false
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !gotDelivery || !gotStatus {
		select {
		case <-tick.C:
			if !gotDelivery {
				_ = backend.Publish(protocol.TopicPartition, protocol.NewMsg("connect", "", "", nil))
			}
			if !gotStatus {
				_ = frontend.PublishStatus(protocol.WarningMsg("hello"))
			}
		case d := <-bsub.Deliveries():
			if d.Topic != protocol.TopicPartition || d.Msg.Key() != "connect" {
				t.Fatalf("delivery=%+v", d)
			}
			gotDelivery = true
		case msg := <-ssub.Messages():
			if msg.Key() != protocol.KeyWarning {
				t.Fatalf("status=%v", msg)
			}
			gotStatus = true
		case <-deadline:
			t.Fatalf("timed out delivery=%v status=%v", gotDelivery, gotStatus)
		}
	}

	cancel()
	for _, done := range []chan error{backDone, frontDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("serve returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("serve did not stop")
		}
	}
}

func TestDialGivesUpAfterRetries(t *testing.T) {
	testlog.Start(t)

	ln := listen(t)
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.DialRetries = 1
	cfg.Backoff = BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1}
	if _, err := Dial(context.Background(), addr, cfg); err == nil {
		t.Fatalf("expected dial failure")
	}
}
