// Package lifecycle holds the collection state graph: the ordered states,
// the named transitions between them and the shortest-path table used to
// drive a requested target state one edge at a time.
package lifecycle

import (
	"errors"
	"fmt"
)

type State string

const (
	StateReset       State = "reset"
	StateUnallocated State = "unallocated"
	StateAllocated   State = "allocated"
	StateConnected   State = "connected"
	StateConfigured  State = "configured"
	StateStarting    State = "starting"
	StatePaused      State = "paused"
	StateRunning     State = "running"
)

// States in ascending order.
var States = []State{
	StateReset,
	StateUnallocated,
	StateAllocated,
	StateConnected,
	StateConfigured,
	StateStarting,
	StatePaused,
	StateRunning,
}

type Transition string

const (
	Reset       Transition = "reset"
	Rollcall    Transition = "rollcall"
	Alloc       Transition = "alloc"
	Dealloc     Transition = "dealloc"
	Connect     Transition = "connect"
	Disconnect  Transition = "disconnect"
	Configure   Transition = "configure"
	Unconfigure Transition = "unconfigure"
	BeginRun    Transition = "beginrun"
	EndRun      Transition = "endrun"
	BeginStep   Transition = "beginstep"
	EndStep     Transition = "endstep"
	Enable      Transition = "enable"
	Disable     Transition = "disable"
	SlowUpdate  Transition = "slowupdate"
)

var Transitions = []Transition{
	Reset, Rollcall, Alloc, Dealloc, Connect, Disconnect, Configure, Unconfigure,
	BeginRun, EndRun, BeginStep, EndStep, Enable, Disable, SlowUpdate,
}

var (
	ErrUnknownState      = errors.New("lifecycle: unknown state")
	ErrUnknownTransition = errors.New("lifecycle: unknown transition")
	ErrNoPath            = errors.New("lifecycle: no path")
)

func (s State) String() string      { return string(s) }
func (t Transition) String() string { return string(t) }

// Rank is the position of s in States, or -1.
func (s State) Rank() int {
	for i, st := range States {
		if st == s {
			return i
		}
	}
	return -1
}

func ParseState(raw string) (State, error) {
	s := State(raw)
	if s.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return s, nil
}

func ParseTransition(raw string) (Transition, error) {
	for _, t := range Transitions {
		if string(t) == raw {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTransition, raw)
}

// Edge is one declared transition. An empty From allows any source state.
// Internal edges keep the current state.
type Edge struct {
	Transition Transition
	From       []State
	To         State
	Internal   bool
}

var edges = map[Transition]Edge{
	Reset:       {Transition: Reset, To: StateReset},
	Rollcall:    {Transition: Rollcall, From: []State{StateReset, StateUnallocated}, To: StateUnallocated},
	Alloc:       {Transition: Alloc, From: []State{StateUnallocated}, To: StateAllocated},
	Dealloc:     {Transition: Dealloc, From: []State{StateAllocated}, To: StateUnallocated},
	Connect:     {Transition: Connect, From: []State{StateAllocated}, To: StateConnected},
	Disconnect:  {Transition: Disconnect, From: []State{StateConnected}, To: StateAllocated},
	Configure:   {Transition: Configure, From: []State{StateConnected}, To: StateConfigured},
	Unconfigure: {Transition: Unconfigure, From: []State{StateConfigured}, To: StateConnected},
	BeginRun:    {Transition: BeginRun, From: []State{StateConfigured}, To: StateStarting},
	EndRun:      {Transition: EndRun, From: []State{StateStarting}, To: StateConfigured},
	BeginStep:   {Transition: BeginStep, From: []State{StateStarting}, To: StatePaused},
	EndStep:     {Transition: EndStep, From: []State{StatePaused}, To: StateStarting},
	Enable:      {Transition: Enable, From: []State{StatePaused}, To: StateRunning},
	Disable:     {Transition: Disable, From: []State{StateRunning}, To: StatePaused},
	SlowUpdate:  {Transition: SlowUpdate, From: []State{StateRunning}, To: StateRunning, Internal: true},
}

// EdgeFor returns the edge for t when it is declared from the given state.
func EdgeFor(t Transition, from State) (Edge, bool) {
	e, ok := edges[t]
	if !ok {
		return Edge{}, false
	}
	if len(e.From) == 0 {
		return e, true
	}
	for _, s := range e.From {
		if s == from {
			return e, true
		}
	}
	return Edge{}, false
}

// Target is the destination of t regardless of source.
func Target(t Transition) (State, bool) {
	e, ok := edges[t]
	return e.To, ok
}

// Next returns the single edge that moves from toward target.
func Next(from, target State) (Transition, error) {
	if from.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, from)
	}
	if target.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, target)
	}
	if target == StateReset {
		return Reset, nil
	}
	if from == target {
		return "", fmt.Errorf("%w: already %s", ErrNoPath, from)
	}
	down := target.Rank() < from.Rank()
	switch from {
	case StateReset:
		return Rollcall, nil
	case StateUnallocated:
		return Alloc, nil
	case StateAllocated:
		if down {
			return Dealloc, nil
		}
		return Connect, nil
	case StateConnected:
		if down {
			return Disconnect, nil
		}
		return Configure, nil
	case StateConfigured:
		if down {
			return Unconfigure, nil
		}
		return BeginRun, nil
	case StateStarting:
		if down {
			return EndRun, nil
		}
		return BeginStep, nil
	case StatePaused:
		if down {
			return EndStep, nil
		}
		return Enable, nil
	case StateRunning:
		return Disable, nil
	}
	return "", fmt.Errorf("%w: %s -> %s", ErrNoPath, from, target)
}

// Path lists the edges Next would take from from to target.
func Path(from, target State) ([]Transition, error) {
	var out []Transition
	cur := from
	for cur != target {
		t, err := Next(cur, target)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		cur, _ = Target(t)
		if len(out) > len(States)+1 {
			return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, from, target)
		}
	}
	return out, nil
}
