// Package timing drives the readout-group gate and the transition
// message pulses of the timing system through a process-variable client.
package timing

import (
	"errors"
	"fmt"
	"time"

	logs "github.com/danmuck/daqctl/internal/logging"
)

// NumGroups is the number of readout groups one XPM serves.
const NumGroups = 8

// TransitionID is the code written into a group MsgHeader PV.
type TransitionID int64

const (
	ClearReadout TransitionID = 0
	Reset        TransitionID = 1
	Configure    TransitionID = 2
	Unconfigure  TransitionID = 3
	BeginRun     TransitionID = 4
	EndRun       TransitionID = 5
	BeginStep    TransitionID = 6
	EndStep      TransitionID = 7
	Enable       TransitionID = 8
	Disable      TransitionID = 9
	SlowUpdate   TransitionID = 10
	L1Accept     TransitionID = 12
)

var transitionNames = map[TransitionID]string{
	ClearReadout: "clearreadout",
	Reset:        "reset",
	Configure:    "configure",
	Unconfigure:  "unconfigure",
	BeginRun:     "beginrun",
	EndRun:       "endrun",
	BeginStep:    "beginstep",
	EndStep:      "endstep",
	Enable:       "enable",
	Disable:      "disable",
	SlowUpdate:   "slowupdate",
	L1Accept:     "l1accept",
}

func (id TransitionID) String() string {
	if name, ok := transitionNames[id]; ok {
		return name
	}
	return fmt.Sprintf("transition(%d)", int64(id))
}

// TransitionIDFor maps a transition name to its code.
func TransitionIDFor(name string) (TransitionID, bool) {
	for id, n := range transitionNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

var ErrPut = errors.New("timing: put failed")

// PVA is the process-variable client the orchestrator writes through.
type PVA interface {
	Put(name string, value int64) error
	Get(name string) (int64, error)
	Monitor(name string, fn func(name string, value int64)) (cancel func(), err error)
}

// Names builds the PV names for one XPM master and platform.
type Names struct {
	Base      string
	XPMMaster int
	Platform  int
}

func (n Names) xpm() string {
	return fmt.Sprintf("%s:XPM:%d", n.Base, n.XPMMaster)
}

func (n Names) GroupL0Enable() string  { return n.xpm() + ":GroupL0Enable" }
func (n Names) GroupL0Disable() string { return n.xpm() + ":GroupL0Disable" }
func (n Names) GroupMsgInsert() string { return n.xpm() + ":GroupMsgInsert" }
func (n Names) GroupL0Reset() string   { return n.xpm() + ":GroupL0Reset" }

func (n Names) StepGroups() string {
	return fmt.Sprintf("%s:PART:%d:StepGroups", n.xpm(), n.Platform)
}

func (n Names) MsgHeader(group int) string {
	return fmt.Sprintf("%s:PART:%d:MsgHeader", n.xpm(), group)
}

func (n Names) Master(group int) string {
	return fmt.Sprintf("%s:PART:%d:Master", n.xpm(), group)
}

// Sequencer issues the gate and pulse writes for the current group mask.
type Sequencer struct {
	pva     PVA
	names   Names
	groups  uint
	headers []string
	masters []string
}

func NewSequencer(pva PVA, names Names) *Sequencer {
	return &Sequencer{pva: pva, names: names}
}

func (s *Sequencer) Names() Names { return s.names }
func (s *Sequencer) Groups() uint { return s.groups }

// SetGroups records the readout group mask and rebuilds the per-group PV lists.
func (s *Sequencer) SetGroups(mask uint) {
	s.groups = mask
	s.headers = s.headers[:0]
	s.masters = s.masters[:0]
	for g := 0; g < NumGroups; g++ {
		if mask&(1<<uint(g)) == 0 {
			continue
		}
		s.headers = append(s.headers, s.names.MsgHeader(g))
		s.masters = append(s.masters, s.names.Master(g))
	}
}

func (s *Sequencer) put(name string, value int64) error {
	if err := s.pva.Put(name, value); err != nil {
		logs.Errf("timing.put name=%q value=%d err=%v", name, value, err)
		return fmt.Errorf("%w: %s: %v", ErrPut, name, err)
	}
	logs.Debugf("timing.put name=%q value=%d", name, value)
	return nil
}

// GroupRun opens or closes the L0 trigger gate for the current groups.
func (s *Sequencer) GroupRun(enable bool) error {
	if enable {
		return s.put(s.names.GroupL0Enable(), int64(s.groups))
	}
	return s.put(s.names.GroupL0Disable(), int64(s.groups))
}

func (s *Sequencer) StepGroups(mask uint) error {
	return s.put(s.names.StepGroups(), int64(mask))
}

// ArmMasters writes 1 to the Master PV of every group.
func (s *Sequencer) ArmMasters() error {
	var first error
	for _, pv := range s.masters {
		if err := s.put(pv, 1); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Pulse writes id into every MsgHeader then pulses GroupMsgInsert. All writes
// are attempted; the first failure is returned.
func (s *Sequencer) Pulse(id TransitionID) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, pv := range s.headers {
		keep(s.put(pv, int64(id)))
	}
	keep(s.put(s.names.GroupMsgInsert(), int64(s.groups)))
	keep(s.put(s.names.GroupMsgInsert(), 0))
	return first
}

// ClearReadout resets the groups, sends a ClearReadout pulse and waits settle.
func (s *Sequencer) ClearReadout(settle time.Duration) error {
	var first error
	if err := s.put(s.names.GroupL0Reset(), int64(s.groups)); err != nil {
		first = err
	}
	if err := s.Pulse(ClearReadout); err != nil && first == nil {
		first = err
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	return first
}
