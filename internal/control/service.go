package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/daqctl/internal/activedet"
	"github.com/danmuck/daqctl/internal/lifecycle"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/transport"
)

// Run serves client requests and worker reports until ctx ends. Every
// transition runs on this goroutine.
func (c *Collection) Run(ctx context.Context) error {
	if c.slowTicker != nil {
		go c.slowTicker.run(ctx)
	}
	logs.Infof("control.Run platform=%d state=%s", c.cfg.Platform, c.state)
	for {
		select {
		case <-ctx.Done():
			logs.Infof("control.Run stopping platform=%d", c.cfg.Platform)
			return nil
		case req, ok := <-c.frontend.Requests():
			if !ok {
				return transport.ErrClosed
			}
			c.serveRequest(ctx, req)
		case msg := <-c.backend.Incoming():
			c.serveReport(ctx, msg)
		}
	}
}

// serveReport handles worker messages that arrive outside a confirmation.
func (c *Collection) serveReport(ctx context.Context, msg protocol.Message) {
	if protocol.IsReport(msg.Key()) {
		c.processReports(ctx, []protocol.Message{msg})
		return
	}
	logs.Debugf("control.serveReport stray %s", msg)
}

func (c *Collection) reply(req *transport.Request, msg protocol.Message) {
	if err := req.Reply(msg); err != nil {
		logs.Warnf("control.reply key=%q err=%v", msg.Key(), err)
	}
}

func (c *Collection) replyError(req *transport.Request, text string) {
	logs.Errf("control.request key=%q err=%q", req.Msg.Key(), text)
	c.reply(req, protocol.ErrorReply(req.Msg, text))
}

// serveRequest dispatches on "<verb>[.<arg>]" request keys.
func (c *Collection) serveRequest(ctx context.Context, req *transport.Request) {
	verb, arg, _ := strings.Cut(req.Msg.Key(), ".")
	body := req.Msg.Body
	logs.Debugf("control.serveRequest verb=%q arg=%q state=%s", verb, arg, c.state)

	switch verb {
	case protocol.KeySetState:
		c.handleSetState(ctx, req, arg, body)
	case protocol.KeySetConfig:
		c.handleSetConfig(req, arg)
	case protocol.KeySetRecord:
		c.handleSetRecord(req, arg != "0")
	case protocol.KeySetBypass:
		c.handleSetBypass(req, arg != "0")
	case protocol.KeyGetState:
		c.reply(req, protocol.Reply(req.Msg, c.state.String(), "", c.reg.Platform()))
	case protocol.KeyGetStatus:
		c.reply(req, protocol.Reply(req.Msg, protocol.KeyStatus, "", c.status().Body()))
	case protocol.KeyGetInstrument:
		c.reply(req, protocol.Reply(req.Msg, protocol.KeyInstrument, "", map[string]any{
			"instrument": c.cfg.Instrument,
			"station":    c.cfg.Station,
		}))
	case protocol.KeySelectPlatform:
		c.handleSelectPlatform(req, body)
	case protocol.KeyStoreJSONConfig:
		c.handleStoreJSONConfig(req, body)
	default:
		t, err := lifecycle.ParseTransition(verb)
		if err != nil {
			c.replyError(req, fmt.Sprintf("unknown request key '%s'", req.Msg.Key()))
			return
		}
		c.handleTrigger(ctx, req, t, body)
	}
}

func (c *Collection) handleTrigger(ctx context.Context, req *transport.Request, t lifecycle.Transition, body map[string]any) {
	c.stagePayload(t, body)
	c.reply(req, protocol.OKMsg(req.Msg))
	if t == lifecycle.SlowUpdate && !c.slowEnabled {
		logs.Debugf("control.handleTrigger dropped slowupdate state=%s", c.state)
		return
	}
	// a failing guard has already named its cause
	var step *StepError
	if err := c.Trigger(ctx, t); errors.As(err, &step) {
		c.reportError(step.Error())
	}
}

func (c *Collection) handleSetState(ctx context.Context, req *transport.Request, arg string, body map[string]any) {
	target, err := lifecycle.ParseState(arg)
	if err != nil {
		c.replyError(req, fmt.Sprintf("state '%s' not recognized", arg))
		return
	}
	c.stageSetStatePayload(body)
	c.reply(req, protocol.OKMsg(req.Msg))
	if err := c.SetState(ctx, target); err != nil {
		c.reportError(err.Error())
	}
}

func (c *Collection) handleSetConfig(req *transport.Request, alias string) {
	if c.state == lifecycle.StateRunning || c.state == lifecycle.StatePaused {
		c.replyError(req, fmt.Sprintf("cannot set config alias in state '%s'", c.state))
		return
	}
	if alias != c.configAlias {
		c.configAlias = alias
		c.reportStatus()
	}
	c.reply(req, protocol.OKMsg(req.Msg))
}

func (c *Collection) handleSetRecord(req *transport.Request, recording bool) {
	switch c.state {
	case lifecycle.StateRunning, lifecycle.StatePaused, lifecycle.StateStarting:
		c.replyError(req, fmt.Sprintf("cannot change recording setting in state '%s' -- end run first", c.state))
		return
	}
	if recording != c.recording {
		c.recording = recording
		c.reportStatus()
	}
	c.reply(req, protocol.OKMsg(req.Msg))
}

func (c *Collection) handleSetBypass(req *transport.Request, bypass bool) {
	if c.state != lifecycle.StateReset && c.state != lifecycle.StateUnallocated {
		c.replyError(req, fmt.Sprintf("cannot change bypass_activedet setting in state '%s' -- deallocate first", c.state))
		return
	}
	if bypass != c.bypass {
		c.bypass = bypass
		c.reportStatus()
	}
	c.reply(req, protocol.OKMsg(req.Msg))
}

// handleSelectPlatform applies {level: {id: {active, det_info}}} to the
// registry. The control node cannot be deactivated.
func (c *Collection) handleSelectPlatform(req *transport.Request, body map[string]any) {
	if c.state != lifecycle.StateUnallocated {
		text := "selectPlatform only permitted in unallocated state"
		c.reportError(text)
		c.replyError(req, text)
		return
	}
	for rawLevel, raw := range body {
		entries, ok := raw.(map[string]any)
		if !ok {
			c.replyError(req, fmt.Sprintf("selectplatform: level %s is not an object", rawLevel))
			return
		}
		level := registry.Level(rawLevel)
		for rawID, rawEntry := range entries {
			entry, _ := rawEntry.(map[string]any)
			active := intOf(entry["active"]) != 0
			if level == registry.LevelControl && !active {
				c.reportWarning("ignoring attempt to clear the control level active flag")
				active = true
			}
			err := c.reg.Update(registry.NodeID(rawID), func(n *registry.Node) {
				n.Active = active
				if level != registry.LevelDRP {
					return
				}
				readout := c.cfg.Platform
				if active {
					if di, ok := entry["det_info"].(map[string]any); ok {
						if _, has := di["readout"]; has {
							readout = intOf(di["readout"])
						}
					}
				}
				n.DetInfo = &registry.DetInfo{Readout: readout}
			})
			if err != nil {
				c.replyError(req, fmt.Sprintf("selectplatform: %v", err))
				return
			}
		}
	}
	c.reportStatus()
	c.reply(req, protocol.OKMsg(req.Msg))
}

func (c *Collection) handleStoreJSONConfig(req *transport.Request, body map[string]any) {
	data, _ := body["json_data"].(string)
	if activedet.IsBypass(c.cfg.ActiveDetFile) {
		c.reply(req, protocol.OKMsg(req.Msg))
		return
	}
	if err := activedet.Store(c.cfg.ActiveDetFile, []byte(data)); err != nil {
		c.replyError(req, fmt.Sprintf("storejsonconfig: %v", err))
		return
	}
	logs.Infof("control.storejsonconfig path=%q bytes=%d", c.cfg.ActiveDetFile, len(data))
	c.reply(req, protocol.OKMsg(req.Msg))
}

func intOf(raw any) int {
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case bool:
		if v {
			return 1
		}
	}
	return 0
}
