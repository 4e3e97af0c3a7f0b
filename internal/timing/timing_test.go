package timing

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/daqctl/internal/testutil/testlog"
)

func TestNames(t *testing.T) {
	testlog.Start(t)

	n := Names{Base: "DAQ:LAB2", XPMMaster: 2, Platform: 3}
	if got := n.GroupL0Enable(); got != "DAQ:LAB2:XPM:2:GroupL0Enable" {
		t.Fatalf("GroupL0Enable=%q", got)
	}
	if got := n.MsgHeader(5); got != "DAQ:LAB2:XPM:2:PART:5:MsgHeader" {
		t.Fatalf("MsgHeader=%q", got)
	}
	if got := n.StepGroups(); got != "DAQ:LAB2:XPM:2:PART:3:StepGroups" {
		t.Fatalf("StepGroups=%q", got)
	}
}

func TestPulseWritesHeadersThenInsert(t *testing.T) {
	testlog.Start(t)

	pva := NewMemoryPVA()
	n := Names{Base: "P", XPMMaster: 0, Platform: 0}
	seq := NewSequencer(pva, n)
	seq.SetGroups(0b101)

	if err := seq.Pulse(Enable); err != nil {
		t.Fatalf("pulse: %v", err)
	}
	want := []PutRecord{
		{Name: n.MsgHeader(0), Value: int64(Enable)},
		{Name: n.MsgHeader(2), Value: int64(Enable)},
		{Name: n.GroupMsgInsert(), Value: 5},
		{Name: n.GroupMsgInsert(), Value: 0},
	}
	if got := pva.Puts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("puts=%+v", got)
	}
}

func TestClearReadoutAndGate(t *testing.T) {
	testlog.Start(t)

	pva := NewMemoryPVA()
	n := Names{Base: "P"}
	seq := NewSequencer(pva, n)
	seq.SetGroups(0b1)

	if err := seq.ClearReadout(0); err != nil {
		t.Fatalf("clear readout: %v", err)
	}
	puts := pva.Puts()
	if puts[0].Name != n.GroupL0Reset() || puts[1].Value != int64(ClearReadout) {
		t.Fatalf("clear readout order=%+v", puts)
	}

	boom := errors.New("link down")
	pva.FailPuts(n.GroupL0Enable(), boom)
	if err := seq.GroupRun(true); !errors.Is(err, ErrPut) {
		t.Fatalf("expected ErrPut, got %v", err)
	}
	pva.FailPuts(n.GroupL0Enable(), nil)
	if err := seq.GroupRun(true); err != nil {
		t.Fatalf("gate enable: %v", err)
	}
	if v, _ := pva.Get(n.GroupL0Enable()); v != 1 {
		t.Fatalf("GroupL0Enable=%d", v)
	}
}

func TestMonitorSeesWrites(t *testing.T) {
	testlog.Start(t)

	pva := NewMemoryPVA()
	var seen []int64
	cancel, err := pva.Monitor("X", func(_ string, v int64) {
		seen = append(seen, v)
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	_ = pva.Put("X", 1)
	cancel()
	_ = pva.Put("X", 2)
	if !reflect.DeepEqual(seen, []int64{1}) {
		t.Fatalf("seen=%v", seen)
	}
	if _, err := pva.Get("missing"); !errors.Is(err, ErrUnknownPV) {
		t.Fatalf("expected ErrUnknownPV, got %v", err)
	}
	if id, ok := TransitionIDFor("beginstep"); !ok || id != BeginStep {
		t.Fatalf("TransitionIDFor=%v,%v", id, ok)
	}
}
