package control

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/daqctl/internal/agent"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/timing"
	"github.com/danmuck/daqctl/internal/transport"
)

type harness struct {
	t      *testing.T
	hub    *transport.Hub
	pva    *timing.MemoryPVA
	c      *Collection
	status transport.Subscriber
	agents map[string]*agent.Agent
}

type nodeSpec struct {
	id    string
	level registry.Level
	alias string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PVBase = "DAQ:TST"
	cfg.Experiment = "tstx00117"
	cfg.Slice = 100 * time.Millisecond
	cfg.RollcallTimeout = 1500 * time.Millisecond
	cfg.Phase2Timeout = time.Second
	cfg.SettleDelay = 0
	cfg.Timeouts = Timeouts{
		Alloc: 500 * time.Millisecond, Connect: time.Second, Disconnect: time.Second,
		Configure: time.Second, Unconfigure: time.Second, BeginRun: time.Second,
		EndRun: time.Second, BeginStep: time.Second, EndStep: time.Second,
		Enable: time.Second, Disable: time.Second,
	}
	return cfg
}

// standardNodes is the smallest partition alloc accepts plus a monitor node.
var standardNodes = []nodeSpec{
	{id: "11", level: registry.LevelDRP, alias: "cam0"},
	{id: "21", level: registry.LevelTEB, alias: "teb0"},
	{id: "31", level: registry.LevelMEB, alias: "meb0"},
}

func newHarness(t *testing.T, cfg Config, deps Deps, nodes ...nodeSpec) *harness {
	t.Helper()
	hub := transport.NewHub(transport.DefaultConfig())
	pva := timing.NewMemoryPVA()
	deps.Backend = hub
	deps.Frontend = hub
	deps.PVA = pva
	c, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new collection: %v", err)
	}
	h := &harness{
		t:      t,
		hub:    hub,
		pva:    pva,
		c:      c,
		status: hub.SubscribeStatus(),
		agents: make(map[string]*agent.Agent),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = hub.Close()
	})
	names := timing.Names{Base: cfg.PVBase, XPMMaster: cfg.XPMMaster, Platform: cfg.Platform}
	for _, n := range nodes {
		a, err := agent.New(agent.Config{
			ID:      registry.NodeID(n.id),
			Level:   n.level,
			Alias:   n.alias,
			Host:    "testhost",
			PID:     1000,
			Readout: cfg.Platform,
			PVA:     pva,
			Names:   names,
		}, hub.SubscribeBroadcast(), hub)
		if err != nil {
			t.Fatalf("new agent: %v", err)
		}
		h.agents[n.id] = a
		go func() { _ = a.Run(ctx) }()
	}
	return h
}

// drain returns every status message published so far.
func (h *harness) drain() []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case msg := <-h.status.Messages():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func reportsOf(msgs []protocol.Message, key string) []string {
	var out []string
	for _, msg := range msgs {
		if msg.Key() != key {
			continue
		}
		info, _ := msg.ErrInfo()
		out = append(out, info)
	}
	return out
}

func countContaining(texts []string, substr string) int {
	n := 0
	for _, s := range texts {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

// putIndex is the position of the last put of value to name, or -1.
func putIndex(puts []timing.PutRecord, name string, value int64) int {
	idx := -1
	for i, p := range puts {
		if p.Name == name && p.Value == value {
			idx = i
		}
	}
	return idx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
