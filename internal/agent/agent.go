// Package agent is the worker side of the collection protocol. An Agent
// answers rollcall, joins the partition on alloc, replies to every
// partition transition with the broadcast msg_id and acknowledges timing
// pulses for its readout group.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/timing"
	"github.com/danmuck/daqctl/internal/transport"
)

var (
	ErrAliasRequired = errors.New("agent: alias required")
	ErrInvalidLevel  = errors.New("agent: invalid level")
)

type Config struct {
	// ID defaults to a random uuid.
	ID    registry.NodeID
	Level registry.Level
	Alias string
	Host  string
	PID   int
	// Readout is the drp readout group until connect says otherwise.
	Readout     int
	ConnectInfo map[string]any

	// PVA and Names enable phase-2 acknowledgements; drp only.
	PVA   timing.PVA
	Names timing.Names
}

type Agent struct {
	cfg  Config
	id   registry.NodeID
	sub  transport.BroadcastSubscriber
	push transport.Pusher

	active  atomic.Bool
	readout atomic.Int64

	mu     sync.Mutex
	silent map[string]bool
	fail   map[string]string
	seen   []string
}

func New(cfg Config, sub transport.BroadcastSubscriber, push transport.Pusher) (*Agent, error) {
	if strings.TrimSpace(cfg.Alias) == "" {
		return nil, ErrAliasRequired
	}
	switch cfg.Level {
	case registry.LevelDRP, registry.LevelTEB, registry.LevelMEB:
	default:
		return nil, ErrInvalidLevel
	}
	id := cfg.ID
	if id == "" {
		id = registry.NodeID(uuid.NewString())
	}
	a := &Agent{
		cfg:    cfg,
		id:     id,
		sub:    sub,
		push:   push,
		silent: make(map[string]bool),
		fail:   make(map[string]string),
	}
	a.readout.Store(int64(cfg.Readout))
	return a, nil
}

func (a *Agent) ID() registry.NodeID { return a.id }
func (a *Agent) Name() string        { return string(a.cfg.Level) + "/" + a.cfg.Alias }
func (a *Agent) Active() bool        { return a.active.Load() }
func (a *Agent) Readout() int        { return int(a.readout.Load()) }

// SetSilent stops (or resumes) replies to key.
func (a *Agent) SetSilent(key string, silent bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent[key] = silent
}

// SetFail makes replies to key carry err_info; an empty text clears it.
func (a *Agent) SetFail(key, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if text == "" {
		delete(a.fail, key)
		return
	}
	a.fail[key] = text
}

// Seen lists the keys received so far, in order.
func (a *Agent) Seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func (a *Agent) behaviour(key string) (silent bool, failText string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, key)
	return a.silent[key], a.fail[key]
}

// Run handles broadcasts until ctx ends or the subscription closes.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.PVA != nil && a.cfg.Level == registry.LevelDRP {
		cancel, err := a.cfg.PVA.Monitor(a.cfg.Names.GroupMsgInsert(), a.onPulse)
		if err != nil {
			return err
		}
		defer cancel()
	}
	logs.Infof("agent.Run name=%s id=%s", a.Name(), a.id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-a.sub.Deliveries():
			if !ok {
				return transport.ErrClosed
			}
			a.handle(d)
		}
	}
}

func (a *Agent) handle(d protocol.Delivery) {
	key := d.Msg.Key()
	silent, failText := a.behaviour(key)
	switch key {
	case protocol.KeyRollcall:
		if silent {
			return
		}
		a.send(protocol.Reply(d.Msg, key, string(a.id), map[string]any{
			string(a.cfg.Level): map[string]any{
				"proc_info": map[string]any{"alias": a.cfg.Alias, "host": a.cfg.Host, "pid": a.cfg.PID},
			},
		}))
	case protocol.KeyAlloc:
		a.active.Store(a.selected(d.Msg.Body["ids"]))
		if !a.Active() || silent {
			return
		}
		a.answer(d.Msg, failText, map[string]any{
			string(a.cfg.Level): map[string]any{"connect_info": a.connectInfo()},
		})
	case protocol.KeyReset:
		a.active.Store(false)
	default:
		if d.Topic != protocol.TopicPartition || !a.Active() {
			return
		}
		if key == "connect" {
			a.adoptReadout(d.Msg.Body)
		}
		if silent {
			return
		}
		a.answer(d.Msg, failText, nil)
	}
}

func (a *Agent) selected(raw any) bool {
	ids, _ := raw.([]any)
	for _, v := range ids {
		if id, ok := registry.ParseID(v); ok && id == a.id {
			return true
		}
	}
	return false
}

func (a *Agent) connectInfo() map[string]any {
	out := map[string]any{"alias": a.cfg.Alias}
	for k, v := range a.cfg.ConnectInfo {
		out[k] = v
	}
	return out
}

// adoptReadout takes the readout group assigned in the connect platform body.
func (a *Agent) adoptReadout(body map[string]any) {
	level, _ := body[string(a.cfg.Level)].(map[string]any)
	entry, _ := level[string(a.id)].(map[string]any)
	det, _ := entry["det_info"].(map[string]any)
	if g, ok := det["readout"].(float64); ok {
		a.readout.Store(int64(g))
	} else if g, ok := det["readout"].(int); ok {
		a.readout.Store(int64(g))
	}
}

func (a *Agent) answer(req protocol.Message, failText string, body map[string]any) {
	if failText != "" {
		body = map[string]any{"err_info": failText}
	}
	a.send(protocol.Reply(req, req.Key(), string(a.id), body))
}

// onPulse runs on the writer's goroutine for every GroupMsgInsert put.
func (a *Agent) onPulse(_ string, groups int64) {
	if groups == 0 || !a.Active() {
		return
	}
	g := a.Readout()
	if groups&(1<<uint(g)) == 0 {
		return
	}
	code, err := a.cfg.PVA.Get(a.cfg.Names.MsgHeader(g))
	if err != nil {
		logs.Warnf("agent.onPulse name=%s group=%d err=%v", a.Name(), g, err)
		return
	}
	id := timing.TransitionID(code)
	if id == timing.ClearReadout || id == timing.SlowUpdate {
		return
	}
	key := id.String()
	silent, failText := a.behaviour("phase2." + key)
	if silent {
		return
	}
	req := protocol.NewMsg(key, "phase2."+key, "", nil)
	a.answer(req, failText, nil)
}

// ReportFile tells the orchestrator a data file was written.
func (a *Agent) ReportFile(path string, extra map[string]any) {
	body := map[string]any{"path": path}
	for k, v := range extra {
		body[k] = v
	}
	a.send(protocol.NewMsg(protocol.KeyFileReport, "", string(a.id), body))
}

// ReportError publishes an unsolicited error from this node.
func (a *Agent) ReportError(text string) {
	msg := protocol.ErrorMsg(text)
	msg.Header.SenderID = string(a.id)
	a.send(msg)
}

func (a *Agent) send(msg protocol.Message) {
	if err := a.push.Push(msg); err != nil {
		logs.Warnf("agent.send name=%s key=%q err=%v", a.Name(), msg.Key(), err)
	}
}
