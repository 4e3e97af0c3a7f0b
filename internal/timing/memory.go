package timing

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownPV = errors.New("timing: unknown pv")

// PutRecord is one write observed by MemoryPVA.
type PutRecord struct {
	Name  string
	Value int64
}

type monitor struct {
	id int
	fn func(string, int64)
}

// MemoryPVA is an in-process PV store. It records every put in order,
// can fail puts on demand and notifies monitors after each write.
type MemoryPVA struct {
	mu       sync.Mutex
	values   map[string]int64
	puts     []PutRecord
	failures map[string]error
	monitors map[string][]monitor
	nextID   int
}

func NewMemoryPVA() *MemoryPVA {
	return &MemoryPVA{
		values:   make(map[string]int64),
		failures: make(map[string]error),
		monitors: make(map[string][]monitor),
	}
}

func (m *MemoryPVA) Put(name string, value int64) error {
	m.mu.Lock()
	if err, ok := m.failures[name]; ok {
		m.mu.Unlock()
		return err
	}
	m.values[name] = value
	m.puts = append(m.puts, PutRecord{Name: name, Value: value})
	watchers := append([]monitor(nil), m.monitors[name]...)
	m.mu.Unlock()

	for _, w := range watchers {
		w.fn(name, value)
	}
	return nil
}

func (m *MemoryPVA) Get(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPV, name)
	}
	return v, nil
}

func (m *MemoryPVA) Monitor(name string, fn func(string, int64)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.monitors[name] = append(m.monitors[name], monitor{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.monitors[name]
		for i, w := range ws {
			if w.id == id {
				m.monitors[name] = append(ws[:i:i], ws[i+1:]...)
				return
			}
		}
	}, nil
}

// Set seeds a value without recording a put or notifying monitors.
func (m *MemoryPVA) Set(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}

// FailPuts makes every put to name return err until cleared with a nil err.
func (m *MemoryPVA) FailPuts(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, name)
		return
	}
	m.failures[name] = err
}

func (m *MemoryPVA) Puts() []PutRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PutRecord(nil), m.puts...)
}

func (m *MemoryPVA) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = nil
}
