package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
	"github.com/danmuck/daqctl/internal/timing"
	"github.com/danmuck/daqctl/internal/transport"
)

func startAgent(t *testing.T, hub *transport.Hub, cfg Config) *Agent {
	t.Helper()
	a, err := New(cfg, hub.SubscribeBroadcast(), hub)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = a.Run(ctx) }()
	return a
}

func recv(t *testing.T, hub *transport.Hub) protocol.Message {
	t.Helper()
	select {
	case msg := <-hub.Incoming():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message from agent")
	}
	return protocol.Message{}
}

func TestNewValidates(t *testing.T) {
	testlog.Start(t)

	hub := transport.NewHub(transport.DefaultConfig())
	if _, err := New(Config{Level: registry.LevelDRP}, hub.SubscribeBroadcast(), hub); !errors.Is(err, ErrAliasRequired) {
		t.Fatalf("expected ErrAliasRequired, got %v", err)
	}
	if _, err := New(Config{Level: registry.LevelControl, Alias: "x"}, hub.SubscribeBroadcast(), hub); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
	a, err := New(Config{Level: registry.LevelTEB, Alias: "teb0"}, hub.SubscribeBroadcast(), hub)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.ID() == "" || a.Name() != "teb/teb0" {
		t.Fatalf("id=%q name=%q", a.ID(), a.Name())
	}
}

func TestRollcallAllocAndPartitionReplies(t *testing.T) {
	testlog.Start(t)

	hub := transport.NewHub(transport.DefaultConfig())
	defer hub.Close()
	a := startAgent(t, hub, Config{ID: "7", Level: registry.LevelDRP, Alias: "cam0", Host: "h1", PID: 42})

	rc := protocol.NewMsg(protocol.KeyRollcall, "", "", nil)
	_ = hub.Publish(protocol.TopicAll, rc)
	got := recv(t, hub)
	if got.MsgID() != rc.MsgID() || got.Header.SenderID != "7" {
		t.Fatalf("rollcall reply=%v", got)
	}
	proc, ok := registry.ProcInfoFrom(got.Body["drp"].(map[string]any)["proc_info"])
	if !ok || proc.Alias != "cam0" || proc.PID != 42 {
		t.Fatalf("proc_info=%+v", proc)
	}

	// partition traffic is ignored until alloc selects the node
	_ = hub.Publish(protocol.TopicPartition, protocol.NewMsg("configure", "", "", nil))
	alloc := protocol.NewMsg(protocol.KeyAlloc, "", "", map[string]any{"ids": []any{"7"}})
	_ = hub.Publish(protocol.TopicAll, alloc)
	got = recv(t, hub)
	if got.Key() != protocol.KeyAlloc || got.MsgID() != alloc.MsgID() {
		t.Fatalf("alloc reply=%v", got)
	}
	if !a.Active() {
		t.Fatalf("agent should be active after alloc")
	}

	a.SetFail("configure", "camera offline")
	cfgMsg := protocol.NewMsg("configure", "", "", nil)
	_ = hub.Publish(protocol.TopicPartition, cfgMsg)
	got = recv(t, hub)
	if info, ok := got.ErrInfo(); !ok || info != "camera offline" || got.MsgID() != cfgMsg.MsgID() {
		t.Fatalf("configure reply=%v", got)
	}

	_ = hub.Publish(protocol.TopicAll, protocol.NewMsg(protocol.KeyReset, "", "", nil))
	deadline := time.Now().Add(2 * time.Second)
	for a.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Active() {
		t.Fatalf("reset should deactivate the agent")
	}
}

func TestAllocWithoutSelectionStaysQuiet(t *testing.T) {
	testlog.Start(t)

	hub := transport.NewHub(transport.DefaultConfig())
	defer hub.Close()
	a := startAgent(t, hub, Config{ID: "3", Level: registry.LevelTEB, Alias: "teb0"})

	_ = hub.Publish(protocol.TopicAll, protocol.NewMsg(protocol.KeyAlloc, "", "", map[string]any{"ids": []any{"9"}}))
	// the follow-up rollcall proves the alloc was handled
	_ = hub.Publish(protocol.TopicAll, protocol.NewMsg(protocol.KeyRollcall, "", "", nil))
	if got := recv(t, hub); got.Key() != protocol.KeyRollcall {
		t.Fatalf("expected only the rollcall reply, got %v", got)
	}
	if a.Active() {
		t.Fatalf("unselected agent must stay inactive")
	}
}

func TestPhase2PulseAcknowledged(t *testing.T) {
	testlog.Start(t)

	hub := transport.NewHub(transport.DefaultConfig())
	defer hub.Close()
	pva := timing.NewMemoryPVA()
	names := timing.Names{Base: "DAQ:TST", Platform: 2}
	startAgent(t, hub, Config{ID: "5", Level: registry.LevelDRP, Alias: "cam0", Readout: 2, PVA: pva, Names: names})

	// the alloc reply also proves Run has installed its monitor
	_ = hub.Publish(protocol.TopicAll, protocol.NewMsg(protocol.KeyAlloc, "", "", map[string]any{"ids": []any{"5"}}))
	recv(t, hub)

	seq := timing.NewSequencer(pva, names)
	seq.SetGroups(1 << 2)
	if err := seq.Pulse(timing.SlowUpdate); err != nil {
		t.Fatalf("pulse: %v", err)
	}
	if err := seq.Pulse(timing.Enable); err != nil {
		t.Fatalf("pulse: %v", err)
	}
	got := recv(t, hub)
	if got.Key() != "enable" || got.MsgID() != "phase2.enable" || got.Header.SenderID != "5" {
		t.Fatalf("phase2 reply=%v", got)
	}
}

func TestReports(t *testing.T) {
	testlog.Start(t)

	hub := transport.NewHub(transport.DefaultConfig())
	defer hub.Close()
	a, err := New(Config{ID: "1", Level: registry.LevelMEB, Alias: "meb0"}, hub.SubscribeBroadcast(), hub)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.ReportFile("/data/run1.xtc2", map[string]any{"run_num": 1})
	got := recv(t, hub)
	if got.Key() != protocol.KeyFileReport || got.Body["path"] != "/data/run1.xtc2" || got.Header.SenderID != "1" {
		t.Fatalf("file report=%v", got)
	}
	a.ReportError("disk full")
	got = recv(t, hub)
	if info, _ := got.ErrInfo(); got.Key() != protocol.KeyError || info != "disk full" {
		t.Fatalf("error report=%v", got)
	}
}
