package control

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/danmuck/daqctl/internal/activedet"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/observability"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
)

// loadActiveDet returns the active-detectors file, or ok=false when the
// file is bypassed. A missing file forces bypass from then on.
func (c *Collection) loadActiveDet() (activedet.File, bool) {
	path := c.cfg.ActiveDetFile
	if c.bypass || activedet.IsBypass(path) {
		c.bypass = true
		return activedet.File{}, false
	}
	f, err := activedet.Load(path)
	if errors.Is(err, activedet.ErrNotFound) {
		c.reportError("Missing active detectors file " + path)
		logs.Warnf("control.rollcall active detectors file disabled path=%q", path)
		c.bypass = true
		return activedet.File{}, false
	}
	if err != nil {
		logs.Errf("control.rollcall load path=%q err=%v", path, err)
		f = activedet.File{}
	}
	if len(f.Required()) == 0 {
		c.reportError("Failed to read configuration from active detectors file " + path)
	}
	return f, true
}

// rollcall rebuilds the registry from the nodes that answer. It never fails:
// missing and duplicate nodes are reported and discovery moves on.
func (c *Collection) rollcall(ctx context.Context) error {
	file, useFile := c.loadActiveDet()
	required := map[string]struct{}{}
	if useFile {
		required = file.Required()
	}
	missing := make(map[string]struct{}, len(required))
	for k := range required {
		missing[k] = struct{}{}
	}
	newfound := map[string]struct{}{}

	c.reg.Clear()
	msg := protocol.NewMsg(protocol.KeyRollcall, "", "", nil)
	begin := time.Now()
	end := begin.Add(c.cfg.RollcallTimeout)

	for time.Now().Before(end) && ctx.Err() == nil {
		if err := c.backend.Publish(protocol.TopicAll, msg); err != nil {
			logs.Errf("control.rollcall publish err=%v", err)
		}
		timer := time.NewTimer(min(c.cfg.Slice, time.Until(end)))
	collect:
		for {
			select {
			case <-ctx.Done():
				break collect
			case <-timer.C:
				break collect
			case answer := <-c.backend.Incoming():
				if protocol.IsReport(answer.Key()) {
					c.processReports(ctx, []protocol.Message{answer})
					continue
				}
				if answer.MsgID() != msg.MsgID() {
					logs.Debugf("control.rollcall dropped %s", answer)
					continue
				}
				c.admit(answer, file, useFile, required, missing, newfound)
			}
		}
		timer.Stop()
		if len(missing) == 0 {
			break
		}
		c.reportProgress(begin, end, "rollcall")
	}

	for _, dup := range c.reg.ResolveDuplicates() {
		c.reportError("duplicate alias responded to rollcall: " + dup)
	}
	for _, key := range sortedKeys(missing) {
		c.reportError(key + " did not respond to rollcall")
	}
	c.addControlNode()
	observability.RecordRollcall(c.cfg.Platform, c.reg.Len()-1)
	logs.Infof("control.rollcall platform=%d nodes=%d missing=%d bypass=%v", c.cfg.Platform, c.reg.Len()-1, len(missing), c.bypass)
	return ctx.Err()
}

// admit registers every level entry of one rollcall answer.
func (c *Collection) admit(answer protocol.Message, file activedet.File, useFile bool, required, missing, newfound map[string]struct{}) {
	sender := registry.NodeID(answer.Header.SenderID)
	if sender == "" {
		logs.Warnf("control.rollcall answer without sender_id key=%q", answer.Key())
		return
	}
	for rawLevel, raw := range answer.Body {
		item, _ := raw.(map[string]any)
		proc, ok := registry.ProcInfoFrom(item["proc_info"])
		if !ok {
			logs.Warnf("control.rollcall bad proc_info sender=%q level=%q", sender, rawLevel)
			continue
		}
		level := registry.Level(rawLevel)
		responder := rawLevel + "/" + proc.Alias
		_, isRequired := required[responder]
		listed, isListed := file.Lookup(rawLevel, proc.Alias)

		if useFile && !isRequired {
			if _, seen := newfound[responder]; seen {
				if _, stillMissing := missing[responder]; !stillMissing {
					continue
				}
			}
			newfound[responder] = struct{}{}
		}

		node := registry.NewNode(sender, level, proc)
		if level == registry.LevelDRP {
			node.DetInfo = &registry.DetInfo{Readout: c.cfg.Platform}
		}
		switch {
		case !useFile:
			node.Active = true
		case isRequired || isListed:
			node.Active = isRequired
			if level == registry.LevelDRP && listed.DetInfo != nil {
				di := *listed.DetInfo
				node.DetInfo = &di
			}
			if isRequired {
				logs.Infof("control.rollcall %s selected for data collection", responder)
			}
		default:
			c.reportWarning("rollcall: " + responder + " NOT selected for data collection")
		}
		delete(missing, responder)
		if err := c.reg.Put(node); err != nil {
			logs.Warnf("control.rollcall register sender=%q err=%v", sender, err)
		}
	}
}

// addControlNode adds the hidden entry describing this orchestrator.
func (c *Collection) addControlNode() {
	n := registry.NewNode(registry.ControlID, registry.LevelControl, registry.ProcInfo{
		Alias: c.cfg.Alias,
		Host:  c.cfg.Host,
		PID:   c.cfg.PID,
	})
	n.Active = true
	n.Hidden = true
	n.ControlInfo = map[string]any{
		"xpm_master":       c.cfg.XPMMaster,
		"pv_base":          c.cfg.PVBase,
		"cfg_dbase":        c.cfg.CfgDBase,
		"instrument":       c.cfg.Instrument,
		"slow_update_rate": c.cfg.SlowUpdateRate,
	}
	_ = c.reg.Put(n)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
