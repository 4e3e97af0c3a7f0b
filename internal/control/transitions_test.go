package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/daqctl/internal/lifecycle"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/runstore"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
	"github.com/danmuck/daqctl/internal/timing"
)

func TestSetStateRunningAndBackDown(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()

	if err := h.c.SetState(ctx, lifecycle.StateRunning); err != nil {
		t.Fatalf("set running: %v", err)
	}
	if got := h.c.State(); got != lifecycle.StateRunning {
		t.Fatalf("state=%s", got)
	}
	msgs := h.drain()
	if errs := reportsOf(msgs, protocol.KeyError); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	statuses := 0
	for _, m := range msgs {
		if m.Key() == protocol.KeyStatus {
			statuses++
		}
	}
	// rollcall alloc connect configure beginrun beginstep enable
	if statuses != 7 {
		t.Fatalf("status broadcasts=%d", statuses)
	}

	names := h.c.seq.Names()
	puts := h.pva.Puts()
	if i := putIndex(puts, names.Master(0), 1); i < 0 {
		t.Fatalf("connect did not arm the group master")
	}
	enableHeader := putIndex(puts, names.MsgHeader(0), int64(timing.Enable))
	gate := putIndex(puts, names.GroupL0Enable(), 1)
	if enableHeader < 0 || gate < enableHeader {
		t.Fatalf("gate must open after the enable pulse: header=%d gate=%d", enableHeader, gate)
	}

	snap := h.c.Snapshot()
	if snap.State != "running" || snap.Transition != "enable" || snap.ExperimentName != "tstx00117" {
		t.Fatalf("snapshot=%+v", snap)
	}

	if err := h.c.SetState(ctx, lifecycle.StateUnallocated); err != nil {
		t.Fatalf("set unallocated: %v", err)
	}
	if got := h.c.State(); got != lifecycle.StateUnallocated {
		t.Fatalf("state=%s", got)
	}
	if errs := reportsOf(h.drain(), protocol.KeyError); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestMissingNodeFailsAllocAndIsNamedOnce(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.Trigger(ctx, lifecycle.Rollcall); err != nil {
		t.Fatalf("rollcall: %v", err)
	}
	h.drain()

	h.agents["11"].SetSilent(protocol.KeyAlloc, true)
	err := h.c.Trigger(ctx, lifecycle.Alloc)
	if !errors.Is(err, ErrTransitionFailed) {
		t.Fatalf("expected ErrTransitionFailed, got %v", err)
	}
	if got := h.c.State(); got != lifecycle.StateUnallocated {
		t.Fatalf("state=%s", got)
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if n := countContaining(errs, "drp/cam0 did not respond to alloc"); n != 1 {
		t.Fatalf("alias error count=%d errs=%v", n, errs)
	}
	if n := countContaining(errs, "1 client did not respond to alloc"); n != 1 {
		t.Fatalf("summary error count=%d errs=%v", n, errs)
	}
	if n := countContaining(errs, "teb/teb0"); n != 0 {
		t.Fatalf("responding node named in errors: %v", errs)
	}
}

func TestErrorReplyEndsWaitEarly(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Timeouts.Configure = 10 * time.Second
	h := newHarness(t, cfg, Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateConnected); err != nil {
		t.Fatalf("set connected: %v", err)
	}
	h.drain()

	h.agents["21"].SetFail("configure", "trigger table rejected")
	// the drp stays silent so only the error reply can end the wait
	h.agents["11"].SetSilent("configure", true)
	start := time.Now()
	err := h.c.SetState(ctx, lifecycle.StateConfigured)
	var step *StepError
	if !errors.As(err, &step) || step.Transition != lifecycle.Configure {
		t.Fatalf("expected configure StepError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("error reply did not short-circuit: %s", elapsed)
	}
	if got := h.c.State(); got != lifecycle.StateConnected {
		t.Fatalf("state=%s", got)
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if n := countContaining(errs, "teb/teb0: trigger table rejected"); n != 1 {
		t.Fatalf("errs=%v", errs)
	}
}

func TestEnableFailureNeverOpensGate(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StatePaused); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	h.pva.ResetLog()

	h.agents["31"].SetFail("enable", "monitor buffers full")
	if err := h.c.Trigger(ctx, lifecycle.Enable); err == nil {
		t.Fatalf("enable should fail")
	}
	if h.c.State() != lifecycle.StatePaused {
		t.Fatalf("state=%s", h.c.State())
	}
	names := h.c.seq.Names()
	for _, p := range h.pva.Puts() {
		if p.Name == names.GroupL0Enable() {
			t.Fatalf("gate opened after a failed enable: %+v", p)
		}
	}
}

func TestDisableClosesGateFirst(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateRunning); err != nil {
		t.Fatalf("set running: %v", err)
	}
	h.pva.ResetLog()

	if err := h.c.Trigger(ctx, lifecycle.Disable); err != nil {
		t.Fatalf("disable: %v", err)
	}
	puts := h.pva.Puts()
	names := h.c.seq.Names()
	if len(puts) == 0 || puts[0].Name != names.GroupL0Disable() {
		t.Fatalf("first put=%+v", puts)
	}
	if putIndex(puts, names.MsgHeader(0), int64(timing.Disable)) < 0 {
		t.Fatalf("no disable pulse in %+v", puts)
	}
	if h.c.slowEnabled {
		t.Fatalf("slow updates must be off after disable")
	}
}

func TestTriggerUndeclaredEdge(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{})
	err := h.c.Trigger(context.Background(), lifecycle.Enable)
	var step *StepError
	if !errors.As(err, &step) || !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed StepError, got %v", err)
	}
	if step.Error() != "Can't trigger event enable from state reset!" {
		t.Fatalf("text=%q", step.Error())
	}
}

func TestAllocRequiresDRPAndTEB(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, nodeSpec{id: "11", level: registry.LevelDRP, alias: "cam0"})
	ctx := context.Background()
	if err := h.c.Trigger(ctx, lifecycle.Rollcall); err != nil {
		t.Fatalf("rollcall: %v", err)
	}
	if err := h.c.Trigger(ctx, lifecycle.Alloc); err == nil {
		t.Fatalf("alloc without a teb should fail")
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if countContaining(errs, "at least one TEB is required") != 1 {
		t.Fatalf("errs=%v", errs)
	}
}

func TestConnectFailsWhenMasterPutFails(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateAllocated); err != nil {
		t.Fatalf("set allocated: %v", err)
	}
	h.pva.FailPuts(h.c.seq.Names().Master(0), errors.New("channel unreachable"))
	if err := h.c.Trigger(ctx, lifecycle.Connect); err == nil {
		t.Fatalf("connect should fail")
	}
	if h.c.State() != lifecycle.StateAllocated {
		t.Fatalf("state=%s", h.c.State())
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if countContaining(errs, "connect: ") != 1 {
		t.Fatalf("errs=%v", errs)
	}
}

func TestPhase2MissingReplyFailsTransition(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateConnected); err != nil {
		t.Fatalf("set connected: %v", err)
	}
	h.drain()
	h.agents["11"].SetSilent("phase2.configure", true)
	if err := h.c.Trigger(ctx, lifecycle.Configure); err == nil {
		t.Fatalf("configure should fail without phase 2")
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if countContaining(errs, "drp/cam0 did not respond to configure phase 2") != 1 {
		t.Fatalf("errs=%v", errs)
	}
}

func TestRecordedRunNumbersFromRunStore(t *testing.T) {
	testlog.Start(t)

	store, err := runstore.Open("")
	if err != nil {
		t.Fatalf("open runstore: %v", err)
	}
	defer store.Close()

	cfg := testConfig()
	cfg.Recording = true
	h := newHarness(t, cfg, Deps{RunStore: store}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateStarting); err != nil {
		t.Fatalf("set starting: %v", err)
	}
	if h.c.runNumber != 1 {
		t.Fatalf("run number=%d", h.c.runNumber)
	}
	if err := h.c.Trigger(ctx, lifecycle.EndRun); err != nil {
		t.Fatalf("endrun: %v", err)
	}
	if h.c.lastRunNumber != 1 || h.c.runNumber != 0 {
		t.Fatalf("last=%d run=%d", h.c.lastRunNumber, h.c.runNumber)
	}
	if err := h.c.Trigger(ctx, lifecycle.BeginRun); err != nil {
		t.Fatalf("second beginrun: %v", err)
	}
	if h.c.runNumber != 2 {
		t.Fatalf("second run number=%d", h.c.runNumber)
	}
	runs, err := store.Runs("tstx00117")
	if err != nil || len(runs) != 2 || runs[0].End.IsZero() {
		t.Fatalf("runs=%+v err=%v", runs, err)
	}
}

func TestBeginRunWithoutExperimentFails(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Experiment = ""
	h := newHarness(t, cfg, Deps{}, standardNodes...)
	err := h.c.SetState(context.Background(), lifecycle.StateStarting)
	if err == nil || err.Error() != "beginrun failed to change state" {
		t.Fatalf("err=%v", err)
	}
	if h.c.State() != lifecycle.StateConfigured {
		t.Fatalf("state=%s", h.c.State())
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if countContaining(errs, "get_experiment() failed (instrument='TST', station=0)") != 1 {
		t.Fatalf("errs=%v", errs)
	}
}

func TestResetFromRunningClearsEverything(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateRunning); err != nil {
		t.Fatalf("set running: %v", err)
	}
	h.pva.ResetLog()
	if err := h.c.SetState(ctx, lifecycle.StateReset); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if h.c.State() != lifecycle.StateReset || h.c.Registry().Len() != 0 {
		t.Fatalf("state=%s nodes=%d", h.c.State(), h.c.Registry().Len())
	}
	puts := h.pva.Puts()
	if len(puts) == 0 || puts[0].Name != h.c.seq.Names().GroupL0Disable() {
		t.Fatalf("reset must close the gate: %+v", puts)
	}
	waitFor(t, "agents to leave the partition", func() bool {
		for _, a := range h.agents {
			if a.Active() {
				return false
			}
		}
		return true
	})
}

func TestPulseFailureFailsTransitionAndIsReported(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Phase2Replies = false
	h := newHarness(t, cfg, Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateConnected); err != nil {
		t.Fatalf("set connected: %v", err)
	}
	h.drain()
	h.pva.FailPuts(h.c.seq.Names().GroupMsgInsert(), errors.New("channel unreachable"))
	err := h.c.Trigger(ctx, lifecycle.Configure)
	if !errors.Is(err, ErrTransitionFailed) {
		t.Fatalf("configure err=%v", err)
	}
	if h.c.State() != lifecycle.StateConnected {
		t.Fatalf("state=%s", h.c.State())
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if countContaining(errs, "configure phase 2 timing pulse failed") != 1 {
		t.Fatalf("errs=%v", errs)
	}
}

func TestStepGroupsFailureIsReportedButNotFatal(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateConnected); err != nil {
		t.Fatalf("set connected: %v", err)
	}
	h.drain()
	h.pva.FailPuts(h.c.seq.Names().StepGroups(), errors.New("channel unreachable"))
	if err := h.c.Trigger(ctx, lifecycle.Configure); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if h.c.State() != lifecycle.StateConfigured {
		t.Fatalf("state=%s", h.c.State())
	}
	errs := reportsOf(h.drain(), protocol.KeyError)
	if countContaining(errs, "configure: step groups failed") != 1 {
		t.Fatalf("errs=%v", errs)
	}
}

func TestUnconfigureDropsStagedPayloads(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(), Deps{}, standardNodes...)
	ctx := context.Background()
	if err := h.c.SetState(ctx, lifecycle.StateConfigured); err != nil {
		t.Fatalf("set configured: %v", err)
	}
	h.c.stagePayload(lifecycle.BeginStep, map[string]any{"step_keys": []any{"scan"}})
	if len(h.c.pending) == 0 {
		t.Fatalf("beginstep payload was not staged")
	}
	if err := h.c.Trigger(ctx, lifecycle.Unconfigure); err != nil {
		t.Fatalf("unconfigure: %v", err)
	}
	if h.c.State() != lifecycle.StateConnected {
		t.Fatalf("state=%s", h.c.State())
	}
	if len(h.c.pending) != 0 {
		t.Fatalf("pending=%v", h.c.pending)
	}
}
