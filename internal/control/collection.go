// Package control is the collection orchestrator of one platform: it
// discovers nodes, drives the lifecycle state machine across them with
// quorum confirmation and serves client requests from a single loop.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/imdario/mergo"

	"github.com/danmuck/daqctl/internal/activedet"
	"github.com/danmuck/daqctl/internal/lifecycle"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/observability"
	"github.com/danmuck/daqctl/internal/protocol"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/rundb"
	"github.com/danmuck/daqctl/internal/runstore"
	"github.com/danmuck/daqctl/internal/timing"
	"github.com/danmuck/daqctl/internal/transport"
)

var (
	ErrMissingDependency = errors.New("control: missing dependency")
	ErrNotAllowed        = errors.New("control: transition not allowed")
	ErrTransitionFailed  = errors.New("control: transition failed")
	ErrNoExperiment      = errors.New("control: experiment name unknown")
)

// Logbook is the run bookkeeping service; rundb.Client satisfies it.
type Logbook interface {
	rundb.ParamSink
	GetExperiment(ctx context.Context, instrument string, station int) (string, error)
	GetLastRunNumber(ctx context.Context, experiment string) (int, error)
	StartRun(ctx context.Context, experiment string) (int, error)
	EndRun(ctx context.Context, experiment string) error
	RegisterFile(ctx context.Context, experiment string, body map[string]any) error
}

// Deps are the channels and services a Collection drives.
type Deps struct {
	Backend  transport.Backend
	Frontend transport.Frontend
	PVA      timing.PVA
	// Logbook is optional; without it runs are never recorded.
	Logbook Logbook
	// RunStore is optional local run bookkeeping.
	RunStore *runstore.Store
	// SlowUpdates is the ticker's own request channel; nil disables the ticker.
	SlowUpdates transport.Requester
}

// Collection owns all mutable orchestration state. Its methods must be
// called from one goroutine: the one running Run, or the caller when Run
// is not running. Snapshot is the only exception.
type Collection struct {
	cfg      Config
	backend  transport.Backend
	frontend transport.Frontend
	pva      timing.PVA
	logbook  Logbook
	runs     *runstore.Store
	seq      *timing.Sequencer
	reg      *registry.Registry

	state          lifecycle.State
	lastTransition string
	// phase-1 payload staged per transition, consumed when it is broadcast
	pending map[lifecycle.Transition]map[string]any

	configAlias   string
	triggerConfig string
	recording     bool
	bypass        bool
	experiment    string
	runNumber     int
	lastRunNumber int
	runParams     *rundb.RunParams

	slowEnabled bool
	slowTicker  *slowUpdater

	actions  map[lifecycle.Transition]action
	snapshot atomic.Pointer[protocol.Status]
}

func New(cfg Config, deps Deps) (*Collection, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil || deps.Frontend == nil || deps.PVA == nil {
		return nil, fmt.Errorf("%w: backend, frontend and pva are required", ErrMissingDependency)
	}
	c := &Collection{
		cfg:           cfg,
		backend:       deps.Backend,
		frontend:      deps.Frontend,
		pva:           deps.PVA,
		logbook:       deps.Logbook,
		runs:          deps.RunStore,
		reg:           registry.New(),
		state:         lifecycle.StateReset,
		pending:       make(map[lifecycle.Transition]map[string]any),
		configAlias:   cfg.ConfigAlias,
		triggerConfig: cfg.TriggerConfig,
		recording:     cfg.Recording,
		bypass:        activedet.IsBypass(cfg.ActiveDetFile),
		runParams:     rundb.NewRunParams(cfg.RunParamsFile),
	}
	c.seq = timing.NewSequencer(deps.PVA, timing.Names{
		Base:      cfg.PVBase,
		XPMMaster: cfg.XPMMaster,
		Platform:  cfg.Platform,
	})
	if deps.SlowUpdates != nil && cfg.SlowUpdateRate > 0 {
		c.slowTicker = newSlowUpdater(deps.SlowUpdates, cfg.SlowUpdateRate)
	}
	c.actions = c.buildActions()
	c.storeSnapshot()
	return c, nil
}

func (c *Collection) State() lifecycle.State       { return c.state }
func (c *Collection) Registry() *registry.Registry { return c.reg }
func (c *Collection) Config() Config               { return c.cfg }

// Snapshot is safe from any goroutine.
func (c *Collection) Snapshot() protocol.Status {
	if s := c.snapshot.Load(); s != nil {
		return *s
	}
	return protocol.Status{}
}

func (c *Collection) status() protocol.Status {
	return protocol.Status{
		Transition:      c.lastTransition,
		State:           c.state.String(),
		ConfigAlias:     c.configAlias,
		Recording:       c.recording,
		Platform:        c.reg.Platform(),
		BypassActiveDet: c.bypass,
		ExperimentName:  c.experiment,
		RunNumber:       c.runNumber,
		LastRunNumber:   c.lastRunNumber,
	}
}

func (c *Collection) storeSnapshot() {
	s := c.status()
	c.snapshot.Store(&s)
}

func (c *Collection) reportStatus() {
	c.storeSnapshot()
	if err := c.frontend.PublishStatus(protocol.StatusMsg(c.status())); err != nil {
		logs.Warnf("control.reportStatus publish err=%v", err)
	}
}

func (c *Collection) reportError(text string) {
	logs.Errf("control.report platform=%d error=%q", c.cfg.Platform, text)
	if err := c.frontend.PublishStatus(protocol.ErrorMsg(text)); err != nil {
		logs.Warnf("control.reportError publish err=%v", err)
	}
}

func (c *Collection) reportWarning(text string) {
	logs.Warnf("control.report platform=%d warning=%q", c.cfg.Platform, text)
	if err := c.frontend.PublishStatus(protocol.WarningMsg(text)); err != nil {
		logs.Warnf("control.reportWarning publish err=%v", err)
	}
}

// reportProgress publishes once at least a second of the wait has elapsed.
func (c *Collection) reportProgress(begin, end time.Time, label string) {
	elapsed := time.Since(begin)
	if elapsed < time.Second {
		return
	}
	total := end.Sub(begin)
	msg := protocol.ProgressMsg(label, int(elapsed.Seconds()), int(total.Seconds()))
	if err := c.frontend.PublishStatus(msg); err != nil {
		logs.Warnf("control.reportProgress publish err=%v", err)
	}
}

// processReports forwards worker report messages to clients. It returns
// true if any of them was an error.
func (c *Collection) processReports(ctx context.Context, msgs []protocol.Message) bool {
	sawError := false
	for _, msg := range msgs {
		switch msg.Key() {
		case protocol.KeyFileReport:
			if err := c.registerFile(ctx, msg.Body); err != nil {
				c.reportError(err.Error())
			}
		case protocol.KeyError:
			info, _ := msg.ErrInfo()
			c.reportError(info)
			sawError = true
		case protocol.KeyWarning:
			info, _ := msg.ErrInfo()
			c.reportWarning(info)
		}
	}
	return sawError
}

func (c *Collection) registerFile(ctx context.Context, body map[string]any) error {
	path, _ := body["path"].(string)
	logs.Infof("control.registerFile path=%q", path)
	if err := c.frontend.PublishStatus(protocol.FileReportMsg(path)); err != nil {
		logs.Warnf("control.registerFile publish err=%v", err)
	}
	if c.logbook == nil {
		return nil
	}
	if c.experiment == "" {
		return fmt.Errorf("register_file: %w", ErrNoExperiment)
	}
	return c.logbook.RegisterFile(ctx, c.experiment, body)
}

// stagePayload merges body into the phase-1 payload pending for t.
func (c *Collection) stagePayload(t lifecycle.Transition, body map[string]any) {
	if len(body) == 0 {
		return
	}
	cur, ok := c.pending[t]
	if !ok {
		cur = map[string]any{}
	}
	if err := mergo.Merge(&cur, body, mergo.WithOverride); err != nil {
		logs.Warnf("control.stagePayload transition=%s err=%v", t, err)
		return
	}
	c.pending[t] = cur
}

// stageSetStatePayload accepts {transition: payload} bodies of setstate.
func (c *Collection) stageSetStatePayload(body map[string]any) {
	for key, v := range body {
		t, err := lifecycle.ParseTransition(key)
		if err != nil {
			logs.Debugf("control.stageSetStatePayload ignored key=%q", key)
			continue
		}
		if payload, ok := v.(map[string]any); ok {
			c.stagePayload(t, payload)
		}
	}
}

// Init resolves the experiment and the last run number before serving.
func (c *Collection) Init(ctx context.Context) {
	if c.logbook != nil {
		exp, err := c.logbook.GetExperiment(ctx, c.cfg.Instrument, c.cfg.Station)
		if err != nil {
			logs.Warnf("control.Init experiment lookup err=%v", err)
		} else {
			c.experiment = exp
			if n, err := c.logbook.GetLastRunNumber(ctx, exp); err == nil {
				c.lastRunNumber = n
			} else {
				logs.Warnf("control.Init last run lookup err=%v", err)
			}
		}
	}
	if c.lastRunNumber == 0 && c.runs != nil && c.experiment != "" {
		if n, ok, err := c.runs.LastRunNumber(c.experiment); err == nil && ok {
			c.lastRunNumber = n
		}
	}
	observability.RecordState(c.cfg.Platform, c.state.String(), stateNames())
	c.storeSnapshot()
	logs.Infof("control.Init platform=%d experiment=%q last_run=%d", c.cfg.Platform, c.experiment, c.lastRunNumber)
}

func stateNames() []string {
	out := make([]string, len(lifecycle.States))
	for i, s := range lifecycle.States {
		out[i] = s.String()
	}
	return out
}
