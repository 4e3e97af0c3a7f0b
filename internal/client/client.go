// Package client is the operator-side façade over the front channels of
// one platform's orchestrator.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/daqctl/internal/activedet"
	"github.com/danmuck/daqctl/internal/lifecycle"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/transport"
)

var (
	// ErrRemote wraps error replies and error broadcasts from the orchestrator.
	ErrRemote         = errors.New("client: orchestrator error")
	ErrUnexpected     = errors.New("client: unexpected reply")
	ErrStatusClosed   = errors.New("client: status stream closed")
	ErrNoSubscription = errors.New("client: no status subscription")
)

// Event kinds delivered by MonitorStatus.
const (
	EventStatus     = protocol.KeyStatus
	EventError      = protocol.KeyError
	EventWarning    = protocol.KeyWarning
	EventProgress   = protocol.KeyProgress
	EventFileReport = protocol.KeyFileReport
)

// StatusEvent is one decoded status-channel broadcast. Only the fields of
// its Kind are set.
type StatusEvent struct {
	Kind     string
	Status   protocol.Status
	Progress protocol.Progress
	// Text is err_info for error and warning events.
	Text string
	Path string
}

type Control struct {
	req    transport.Requester
	status transport.Subscriber
}

// New wraps an established requester and an optional status subscription.
func New(req transport.Requester, status transport.Subscriber) *Control {
	return &Control{req: req, status: status}
}

// Dial connects to the orchestrator of platform on host.
func Dial(ctx context.Context, host string, platform int, cfg transport.Config) (*Control, error) {
	cfg = cfg.WithDefaults()
	ports := transport.PortsFor(platform)
	sub, err := transport.DialStatus(ctx, transport.Addr(host, ports.FrontPub), cfg)
	if err != nil {
		return nil, err
	}
	req := transport.NewTCPRequester(transport.Addr(host, ports.FrontRep), cfg)
	return New(req, sub), nil
}

func (c *Control) Close() error {
	var errs []error
	if c.status != nil {
		errs = append(errs, c.status.Close())
	}
	errs = append(errs, c.req.Close())
	return errors.Join(errs...)
}

func (c *Control) call(ctx context.Context, key string, body map[string]any) (protocol.Message, error) {
	reply, err := c.req.Request(ctx, protocol.NewMsg(key, "", "", body))
	if err != nil {
		return protocol.Message{}, err
	}
	if info, ok := reply.ErrInfo(); ok {
		return reply, fmt.Errorf("%w: %s", ErrRemote, info)
	}
	if reply.Key() == protocol.KeyError {
		return reply, fmt.Errorf("%w: %s failed", ErrRemote, key)
	}
	return reply, nil
}

// expectOK sends key and requires an "ok" reply.
func (c *Control) expectOK(ctx context.Context, key string, body map[string]any) error {
	reply, err := c.call(ctx, key, body)
	if err != nil {
		return err
	}
	if reply.Key() != protocol.KeyOK {
		return fmt.Errorf("%w: %s answered %q", ErrUnexpected, key, reply.Key())
	}
	return nil
}

func (c *Control) GetState(ctx context.Context) (lifecycle.State, error) {
	reply, err := c.call(ctx, protocol.KeyGetState, nil)
	if err != nil {
		return "", err
	}
	return lifecycle.ParseState(reply.Key())
}

// GetPlatform returns the {level: {id: entry}} view of every registered node.
func (c *Control) GetPlatform(ctx context.Context) (map[string]any, error) {
	reply, err := c.call(ctx, protocol.KeyGetState, nil)
	if err != nil {
		return nil, err
	}
	return reply.Body, nil
}

// GetJSONConfig renders the current platform as an active-detectors document.
func (c *Control) GetJSONConfig(ctx context.Context) (string, error) {
	platform, err := c.GetPlatform(ctx)
	if err != nil {
		return "", err
	}
	raw, err := activedet.FromPlatform(platform).Marshal()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *Control) StoreJSONConfig(ctx context.Context, doc string) error {
	return c.expectOK(ctx, protocol.KeyStoreJSONConfig, map[string]any{"json_data": doc})
}

// SelectPlatform sets active flags and drp readout groups by node id.
func (c *Control) SelectPlatform(ctx context.Context, selection map[string]any) error {
	return c.expectOK(ctx, protocol.KeySelectPlatform, selection)
}

func (c *Control) GetInstrument(ctx context.Context) (string, int, error) {
	reply, err := c.call(ctx, protocol.KeyGetInstrument, nil)
	if err != nil {
		return "", 0, err
	}
	var out struct {
		Instrument string `json:"instrument"`
		Station    int    `json:"station"`
	}
	if err := protocol.DecodeBody(reply.Body, &out); err != nil {
		return "", 0, err
	}
	return out.Instrument, out.Station, nil
}

func (c *Control) GetStatus(ctx context.Context) (protocol.Status, error) {
	reply, err := c.call(ctx, protocol.KeyGetStatus, nil)
	if err != nil {
		return protocol.Status{}, err
	}
	var st protocol.Status
	if err := protocol.DecodeBody(reply.Body, &st); err != nil {
		return protocol.Status{}, err
	}
	return st, nil
}

func (c *Control) SetConfig(ctx context.Context, alias string) error {
	return c.expectOK(ctx, protocol.KeySetConfig+"."+alias, nil)
}

func (c *Control) SetRecord(ctx context.Context, recording bool) error {
	return c.expectOK(ctx, protocol.KeySetRecord+"."+flag(recording), nil)
}

func (c *Control) SetBypass(ctx context.Context, bypass bool) error {
	return c.expectOK(ctx, protocol.KeySetBypass+"."+flag(bypass), nil)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// SetTransition fires one transition without waiting for it to finish.
func (c *Control) SetTransition(ctx context.Context, t lifecycle.Transition, phase1 map[string]any) error {
	return c.expectOK(ctx, t.String(), phase1)
}

// SetState asks for target and blocks until a status broadcast reports it
// or an error is broadcast. phase1 maps transition names to payloads.
func (c *Control) SetState(ctx context.Context, target lifecycle.State, phase1 map[string]any) error {
	if c.status == nil {
		return ErrNoSubscription
	}
	cur, err := c.GetState(ctx)
	if err != nil {
		return err
	}
	if cur == target {
		return nil
	}
	c.drainStatus()
	if err := c.expectOK(ctx, protocol.KeySetState+"."+target.String(), phase1); err != nil {
		return err
	}
	return c.WaitForState(ctx, target)
}

// WaitForState consumes status broadcasts until target is reported. An
// error broadcast ends the wait with ErrRemote.
func (c *Control) WaitForState(ctx context.Context, target lifecycle.State) error {
	for {
		ev, err := c.MonitorStatus(ctx)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case EventError:
			return fmt.Errorf("%w: %s", ErrRemote, ev.Text)
		case EventStatus:
			if ev.Status.State == target.String() {
				return nil
			}
			logs.Debugf("client.WaitForState target=%s passing=%s", target, ev.Status.State)
		}
	}
}

// MonitorStatus blocks for the next status-channel broadcast.
func (c *Control) MonitorStatus(ctx context.Context) (StatusEvent, error) {
	if c.status == nil {
		return StatusEvent{}, ErrNoSubscription
	}
	for {
		select {
		case <-ctx.Done():
			return StatusEvent{}, ctx.Err()
		case msg, ok := <-c.status.Messages():
			if !ok {
				return StatusEvent{}, ErrStatusClosed
			}
			ev, known, err := decodeEvent(msg)
			if err != nil {
				return StatusEvent{}, err
			}
			if known {
				return ev, nil
			}
			logs.Debugf("client.MonitorStatus skipped key=%q", msg.Key())
		}
	}
}

func decodeEvent(msg protocol.Message) (StatusEvent, bool, error) {
	ev := StatusEvent{Kind: msg.Key()}
	switch msg.Key() {
	case EventStatus:
		if err := protocol.DecodeBody(msg.Body, &ev.Status); err != nil {
			return ev, false, err
		}
	case EventProgress:
		if err := protocol.DecodeBody(msg.Body, &ev.Progress); err != nil {
			return ev, false, err
		}
	case EventError, EventWarning:
		ev.Text, _ = msg.ErrInfo()
	case EventFileReport:
		ev.Path, _ = msg.Body["path"].(string)
	default:
		return ev, false, nil
	}
	return ev, true, nil
}

func (c *Control) drainStatus() {
	for {
		select {
		case _, ok := <-c.status.Messages():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// NextTransition is the edge the orchestrator would take from from toward to.
func NextTransition(from, to lifecycle.State) (lifecycle.Transition, error) {
	return lifecycle.Next(from, to)
}
