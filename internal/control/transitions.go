package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/daqctl/internal/activedet"
	"github.com/danmuck/daqctl/internal/lifecycle"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/observability"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/runstore"
	"github.com/danmuck/daqctl/internal/timing"
)

// guard performs the distributed work of an edge; nil lets the edge proceed.
type guard func(ctx context.Context) error

type action struct {
	guard guard
	// after runs once the state has changed
	after func()
}

func (c *Collection) buildActions() map[lifecycle.Transition]action {
	return map[lifecycle.Transition]action{
		lifecycle.Reset:       {guard: c.reset, after: c.afterReset},
		lifecycle.Rollcall:    {guard: c.rollcall},
		lifecycle.Alloc:       {guard: c.alloc},
		lifecycle.Dealloc:     {},
		lifecycle.Connect:     {guard: c.connect},
		lifecycle.Disconnect:  {guard: c.disconnect},
		lifecycle.Configure:   {guard: c.configure},
		lifecycle.Unconfigure: {guard: c.unconfigure},
		lifecycle.BeginRun:    {guard: c.beginRun},
		lifecycle.EndRun:      {guard: c.endRun},
		lifecycle.BeginStep:   {guard: c.twoPhase(lifecycle.BeginStep, timing.BeginStep)},
		lifecycle.EndStep:     {guard: c.twoPhase(lifecycle.EndStep, timing.EndStep)},
		lifecycle.Enable:      {guard: c.enable, after: func() { c.setSlowUpdates(true) }},
		lifecycle.Disable:     {guard: c.disable},
		lifecycle.SlowUpdate:  {guard: c.slowUpdate},
	}
}

func failed(t lifecycle.Transition, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrTransitionFailed, t, reason)
}

// StepError is an edge failure worded for operators. It unwraps to
// ErrNotAllowed or ErrTransitionFailed.
type StepError struct {
	Transition lifecycle.Transition
	Text       string
	Err        error
}

func (e *StepError) Error() string { return e.Text }
func (e *StepError) Unwrap() error { return e.Err }

// Trigger fires t from the current state. The state changes only when the
// guard succeeds; a successful non-internal edge publishes status.
func (c *Collection) Trigger(ctx context.Context, t lifecycle.Transition) error {
	edge, ok := lifecycle.EdgeFor(t, c.state)
	if !ok {
		return &StepError{
			Transition: t,
			Text:       fmt.Sprintf("Can't trigger event %s from state %s!", t, c.state),
			Err:        ErrNotAllowed,
		}
	}
	act := c.actions[t]
	start := time.Now()
	if act.guard != nil {
		if err := act.guard(ctx); err != nil {
			observability.RecordTransition(c.cfg.Platform, t.String(), false)
			logs.Warnf("control.Trigger transition=%s state=%s elapsed=%s err=%v", t, c.state, time.Since(start), err)
			return err
		}
	}
	observability.RecordTransition(c.cfg.Platform, t.String(), true)
	if edge.Internal {
		return nil
	}
	from := c.state
	c.state = edge.To
	c.lastTransition = t.String()
	if act.after != nil {
		act.after()
	}
	observability.RecordState(c.cfg.Platform, c.state.String(), stateNames())
	logs.Infof("control.Trigger transition=%s from=%s to=%s elapsed=%s", t, from, c.state, time.Since(start))
	c.reportStatus()
	return nil
}

// SetState walks edge by edge toward target, stopping at the first failure.
func (c *Collection) SetState(ctx context.Context, target lifecycle.State) error {
	for c.state != target {
		t, err := lifecycle.Next(c.state, target)
		if err != nil {
			return err
		}
		before := c.state
		err = c.Trigger(ctx, t)
		var step *StepError
		if errors.As(err, &step) {
			return step
		}
		if err != nil || c.state == before {
			return &StepError{
				Transition: t,
				Text:       fmt.Sprintf("%s failed to change state", t),
				Err:        ErrTransitionFailed,
			}
		}
	}
	return nil
}

// broadcast sends one phase-1 message on topic and confirms it from ids.
func (c *Collection) broadcast(ctx context.Context, t lifecycle.Transition, topic string, ids []registry.NodeID, body map[string]any, label string) error {
	msg := protocol.NewMsg(t.String(), "", "", body)
	if err := c.backend.Publish(topic, msg); err != nil {
		return failed(t, err.Error())
	}
	if len(ids) == 0 {
		logs.Debugf("control.broadcast transition=%s empty participant set", t)
		return nil
	}
	res := c.confirm(ctx, label, c.cfg.Timeouts.For(t), msg.MsgID(), ids)
	c.processReports(ctx, res.reports)
	if len(res.missing) > 0 {
		for _, name := range c.reg.Names(res.missing) {
			c.reportError(fmt.Sprintf("%s did not respond to %s", name, t))
		}
		c.reportError(fmt.Sprintf("%d client did not respond to %s", len(res.missing), t))
		return failed(t, fmt.Sprintf("%d missing", len(res.missing)))
	}
	if n := c.checkAnswers(res.replies); n > 0 {
		return failed(t, fmt.Sprintf("%d error replies", n))
	}
	if t == lifecycle.Alloc {
		for _, reply := range res.replies {
			c.mergeAllocReply(reply)
		}
	}
	return nil
}

func (c *Collection) mergeAllocReply(reply protocol.Message) {
	id := registry.NodeID(reply.Header.SenderID)
	for _, raw := range reply.Body {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := c.reg.MergeReply(id, item); err != nil {
			logs.Warnf("control.alloc merge sender=%q err=%v", id, err)
		}
	}
}

// phase1 broadcasts t to the active drp, teb and meb nodes on the partition
// topic with any staged payload attached under phase1Info.
func (c *Collection) phase1(ctx context.Context, t lifecycle.Transition, body map[string]any) error {
	if body == nil {
		body = map[string]any{}
	}
	if staged, ok := c.pending[t]; ok {
		body["phase1Info"] = staged
	}
	delete(c.pending, t)
	return c.broadcast(ctx, t, protocol.TopicPartition, c.reg.ActiveIDs(registry.WorkerLevels...), body, t.String())
}

// phase2 pulses the timing system and waits for the drp acknowledgements.
func (c *Collection) phase2(ctx context.Context, t lifecycle.Transition, id timing.TransitionID) error {
	if err := c.seq.Pulse(id); err != nil {
		logs.Warnf("control.phase2 transition=%s pulse err=%v", t, err)
		c.reportError(fmt.Sprintf("%s phase 2 timing pulse failed: %v", t, err))
		return failed(t, "phase 2 pulse")
	}
	if !c.cfg.Phase2Replies {
		return nil
	}
	ids := c.reg.ActiveIDs(registry.LevelDRP)
	if len(ids) == 0 {
		return nil
	}
	res := c.confirm(ctx, t.String()+" phase 2", c.cfg.Phase2Timeout, "", ids)
	c.processReports(ctx, res.reports)
	if len(res.missing) > 0 {
		for _, name := range c.reg.Names(res.missing) {
			c.reportError(fmt.Sprintf("%s did not respond to %s phase 2", name, t))
		}
		return failed(t, "phase 2 incomplete")
	}
	return nil
}

func (c *Collection) twoPhase(t lifecycle.Transition, id timing.TransitionID) guard {
	return func(ctx context.Context) error {
		if err := c.phase1(ctx, t, nil); err != nil {
			return err
		}
		return c.phase2(ctx, t, id)
	}
}

func (c *Collection) alloc(ctx context.Context) error {
	ids := c.reg.ActiveIDs(registry.WorkerLevels...)
	rawIDs := make([]any, len(ids))
	for i, id := range ids {
		rawIDs[i] = string(id)
	}
	if err := c.broadcast(ctx, lifecycle.Alloc, protocol.TopicAll, ids, map[string]any{"ids": rawIDs}, ""); err != nil {
		return err
	}

	if c.reg.AssignOrdinals(registry.LevelDRP) == 0 {
		c.reportError("at least one DRP is required")
		return failed(lifecycle.Alloc, "no drp")
	}
	c.seq.SetGroups(c.reg.ReadoutGroupMask())
	logs.Debugf("control.alloc groups=0x%02x", c.seq.Groups())
	if err := c.seq.GroupRun(false); err != nil {
		c.reportError(err.Error())
		return failed(lifecycle.Alloc, "gate disable")
	}
	if err := c.seq.StepGroups(0); err != nil {
		c.reportError(err.Error())
		return failed(lifecycle.Alloc, "step groups clear")
	}
	if c.reg.AssignOrdinals(registry.LevelTEB) == 0 {
		c.reportError("at least one TEB is required")
		return failed(lifecycle.Alloc, "no teb")
	}
	c.reg.AssignOrdinals(registry.LevelMEB)

	if !c.bypass {
		wrote, err := activedet.WriteIfChanged(c.cfg.ActiveDetFile, activedet.FromRegistry(c.reg))
		if err != nil {
			c.reportError("updating activedet file " + err.Error())
			return failed(lifecycle.Alloc, "activedet write")
		}
		if wrote {
			logs.Infof("control.alloc updated activedet file path=%q", c.cfg.ActiveDetFile)
		}
	}
	return nil
}

func (c *Collection) connect(ctx context.Context) error {
	if err := c.seq.ArmMasters(); err != nil {
		c.reportError("connect: " + err.Error())
		return failed(lifecycle.Connect, "arm masters")
	}
	logs.Infof("control.connect xpm_master=%d", c.cfg.XPMMaster)
	return c.broadcast(ctx, lifecycle.Connect, protocol.TopicPartition,
		c.reg.ActiveIDs(registry.WorkerLevels...), c.reg.ActivePlatform(), lifecycle.Connect.String())
}

func (c *Collection) disconnect(ctx context.Context) error {
	return c.broadcast(ctx, lifecycle.Disconnect, protocol.TopicPartition,
		c.reg.ActiveIDs(registry.WorkerLevels...), nil, lifecycle.Disconnect.String())
}

func (c *Collection) configure(ctx context.Context) error {
	err := c.phase1(ctx, lifecycle.Configure, map[string]any{
		"config_alias":   c.configAlias,
		"trigger_config": c.triggerConfig,
	})
	if err != nil {
		return err
	}
	for _, perr := range c.runParams.Configure() {
		c.reportError(perr.Error())
	}
	if err := c.seq.StepGroups(0); err != nil {
		c.reportPVError(lifecycle.Configure, "step groups", err)
	}
	if err := c.seq.ClearReadout(c.cfg.SettleDelay); err != nil {
		c.reportPVError(lifecycle.Configure, "clear readout", err)
	}
	return c.phase2(ctx, lifecycle.Configure, timing.Configure)
}

// unconfigure drops every staged phase-1 payload, including its own.
func (c *Collection) unconfigure(ctx context.Context) error {
	clear(c.pending)
	c.runParams.Unconfigure()
	if err := c.phase1(ctx, lifecycle.Unconfigure, nil); err != nil {
		return err
	}
	return c.phase2(ctx, lifecycle.Unconfigure, timing.Unconfigure)
}

func (c *Collection) beginRun(ctx context.Context) error {
	exp, err := c.lookupExperiment(ctx)
	if err != nil || exp == "" {
		logs.Warnf("control.beginRun experiment lookup err=%v", err)
		c.reportError(fmt.Sprintf("beginrun: get_experiment() failed (instrument='%s', station=%d)", c.cfg.Instrument, c.cfg.Station))
		return failed(lifecycle.BeginRun, "experiment lookup")
	}
	c.experiment = exp

	c.runNumber = 0
	if c.recording {
		run, err := c.startRun(ctx, exp)
		if err != nil {
			logs.Errf("control.beginRun start_run err=%v", err)
			c.reportError("Failed to start a run with recording enabled")
			return failed(lifecycle.BeginRun, "start run")
		}
		c.runNumber = run
		if c.logbook != nil {
			for _, perr := range c.runParams.BeginRun(ctx, exp, c.pva, c.activeDRPAliases(), c.logbook) {
				c.reportError(perr.Error())
			}
		}
	}
	c.stagePayload(lifecycle.BeginRun, map[string]any{
		"run_info": map[string]any{"experiment_name": exp, "run_number": c.runNumber},
	})

	if err := c.phase1(ctx, lifecycle.BeginRun, nil); err != nil {
		return err
	}
	if err := c.seq.ClearReadout(c.cfg.SettleDelay); err != nil {
		c.reportPVError(lifecycle.BeginRun, "clear readout", err)
	}
	return c.phase2(ctx, lifecycle.BeginRun, timing.BeginRun)
}

// lookupExperiment asks the logbook, falling back to the configured name.
func (c *Collection) lookupExperiment(ctx context.Context) (string, error) {
	if c.logbook == nil {
		if c.cfg.Experiment == "" {
			return "", ErrNoExperiment
		}
		return c.cfg.Experiment, nil
	}
	return c.logbook.GetExperiment(ctx, c.cfg.Instrument, c.cfg.Station)
}

// startRun opens a run in the logbook or, without one, numbers it from the
// local run store.
func (c *Collection) startRun(ctx context.Context, exp string) (int, error) {
	var run int
	switch {
	case c.logbook != nil:
		n, err := c.logbook.StartRun(ctx, exp)
		if err != nil {
			return 0, err
		}
		run = n
	case c.runs != nil:
		last, _, err := c.runs.LastRunNumber(exp)
		if err != nil {
			return 0, err
		}
		run = max(last, c.lastRunNumber) + 1
	default:
		return 0, fmt.Errorf("%w: no logbook or run store", ErrMissingDependency)
	}
	if c.runs != nil {
		rec := runstore.RunRecord{Experiment: exp, Run: run, Begin: time.Now(), Recording: true}
		if err := c.runs.BeginRun(rec); err != nil {
			logs.Warnf("control.beginRun runstore err=%v", err)
		}
	}
	return run, nil
}

// reportPVError surfaces a timing write that does not fail the edge.
func (c *Collection) reportPVError(t lifecycle.Transition, what string, err error) {
	logs.Warnf("control.%s %s err=%v", t, what, err)
	c.reportError(fmt.Sprintf("%s: %s failed: %v", t, what, err))
}

func (c *Collection) activeDRPAliases() []string {
	var out []string
	for _, id := range c.reg.ActiveIDs(registry.LevelDRP) {
		if n, ok := c.reg.Get(id); ok && n.Proc.Alias != "" {
			out = append(out, n.Proc.Alias)
		}
	}
	return out
}

func (c *Collection) endRun(ctx context.Context) error {
	if c.recording && c.experiment != "" && c.logbook != nil {
		if err := c.logbook.EndRun(ctx, c.experiment); err != nil {
			c.reportError(err.Error())
		}
	}
	if err := c.phase1(ctx, lifecycle.EndRun, nil); err != nil {
		return err
	}
	if err := c.seq.StepGroups(0); err != nil {
		c.reportPVError(lifecycle.EndRun, "step groups", err)
	}
	if err := c.phase2(ctx, lifecycle.EndRun, timing.EndRun); err != nil {
		return err
	}
	if c.runNumber > 0 {
		if c.runs != nil {
			if err := c.runs.EndRun(c.experiment, c.runNumber, time.Now()); err != nil {
				logs.Warnf("control.endRun runstore err=%v", err)
			}
		}
		c.lastRunNumber = c.runNumber
	}
	c.runNumber = 0
	return nil
}

func (c *Collection) enable(ctx context.Context) error {
	if err := c.phase1(ctx, lifecycle.Enable, nil); err != nil {
		return err
	}
	if err := c.phase2(ctx, lifecycle.Enable, timing.Enable); err != nil {
		return err
	}
	if err := c.seq.GroupRun(true); err != nil {
		c.reportError(err.Error())
		return failed(lifecycle.Enable, "gate enable")
	}
	return nil
}

func (c *Collection) disable(ctx context.Context) error {
	if err := c.seq.GroupRun(false); err != nil {
		c.reportError(err.Error())
		return failed(lifecycle.Disable, "gate disable")
	}
	c.setSlowUpdates(false)
	if err := c.phase1(ctx, lifecycle.Disable, nil); err != nil {
		return err
	}
	return c.phase2(ctx, lifecycle.Disable, timing.Disable)
}

func (c *Collection) slowUpdate(_ context.Context) error {
	if err := c.seq.Pulse(timing.SlowUpdate); err != nil {
		return failed(lifecycle.SlowUpdate, err.Error())
	}
	return nil
}

// reset always succeeds; every step is best effort.
func (c *Collection) reset(_ context.Context) error {
	clear(c.pending)
	if err := c.seq.GroupRun(false); err != nil {
		logs.Warnf("control.reset gate disable err=%v", err)
	}
	c.setSlowUpdates(false)
	if err := c.backend.Publish(protocol.TopicAll, protocol.NewMsg(lifecycle.Reset.String(), "", "", nil)); err != nil {
		logs.Warnf("control.reset publish err=%v", err)
	}
	return nil
}

func (c *Collection) afterReset() {
	c.reg.Clear()
	c.seq.SetGroups(0)
}
