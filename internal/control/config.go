package control

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/daqctl/internal/activedet"
	"github.com/danmuck/daqctl/internal/lifecycle"
)

var ErrInvalidConfig = errors.New("control: invalid config")

// Timeouts bounds phase-1 confirmation per transition.
type Timeouts struct {
	Alloc       time.Duration
	Connect     time.Duration
	Disconnect  time.Duration
	Configure   time.Duration
	Unconfigure time.Duration
	BeginRun    time.Duration
	EndRun      time.Duration
	BeginStep   time.Duration
	EndStep     time.Duration
	Enable      time.Duration
	Disable     time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Alloc:       2 * time.Second,
		Connect:     15 * time.Second,
		Disconnect:  30 * time.Second,
		Configure:   45 * time.Second,
		Unconfigure: 6 * time.Second,
		BeginRun:    6 * time.Second,
		EndRun:      6 * time.Second,
		BeginStep:   30 * time.Second,
		EndStep:     6 * time.Second,
		Enable:      6 * time.Second,
		Disable:     6 * time.Second,
	}
}

func (t Timeouts) For(tr lifecycle.Transition) time.Duration {
	switch tr {
	case lifecycle.Alloc:
		return t.Alloc
	case lifecycle.Connect:
		return t.Connect
	case lifecycle.Disconnect:
		return t.Disconnect
	case lifecycle.Configure:
		return t.Configure
	case lifecycle.Unconfigure:
		return t.Unconfigure
	case lifecycle.BeginRun:
		return t.BeginRun
	case lifecycle.EndRun:
		return t.EndRun
	case lifecycle.BeginStep:
		return t.BeginStep
	case lifecycle.EndStep:
		return t.EndStep
	case lifecycle.Enable:
		return t.Enable
	case lifecycle.Disable:
		return t.Disable
	}
	return 0
}

// Config is everything one platform's orchestrator needs to know.
type Config struct {
	Platform      int
	Alias         string
	Instrument    string
	Station       int
	// Experiment is used when no logbook is configured.
	Experiment    string
	XPMMaster     int
	PVBase        string
	CfgDBase      string
	ConfigAlias   string
	TriggerConfig string
	Recording     bool
	// Slow update rate in Hz; one of 0, 1, 5, 10.
	SlowUpdateRate int
	ActiveDetFile  string
	RunParamsFile  string

	RollcallTimeout time.Duration
	Phase2Timeout   time.Duration
	// Phase2Replies waits for drp acknowledgements after each timing pulse.
	Phase2Replies bool
	// Slice is the longest single wait inside a confirmation.
	Slice time.Duration
	// SettleDelay follows every ClearReadout pulse.
	SettleDelay time.Duration
	Timeouts    Timeouts

	Host string
	PID  int
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Platform:        0,
		Alias:           "control",
		Instrument:      "TST",
		XPMMaster:       0,
		PVBase:          "DAQ:LAB2",
		ConfigAlias:     "BEAM",
		TriggerConfig:   "tdet",
		SlowUpdateRate:  0,
		ActiveDetFile:   activedet.BypassPath,
		RunParamsFile:   "/dev/null",
		RollcallTimeout: 30 * time.Second,
		Phase2Timeout:   7500 * time.Millisecond,
		Phase2Replies:   true,
		Slice:           time.Second,
		SettleDelay:     time.Second,
		Timeouts:        DefaultTimeouts(),
		Host:            host,
		PID:             os.Getpid(),
	}
}

// SetInstrument parses "NAME" or "NAME:STATION".
func (c *Config) SetInstrument(raw string) error {
	name, station, found := strings.Cut(strings.TrimSpace(raw), ":")
	if name == "" {
		return fmt.Errorf("%w: empty instrument", ErrInvalidConfig)
	}
	c.Instrument = name
	c.Station = 0
	if found {
		n, err := strconv.Atoi(station)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: station %q", ErrInvalidConfig, station)
		}
		c.Station = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.Platform < 0 || c.Platform > 7 {
		return fmt.Errorf("%w: platform %d not in 0..7", ErrInvalidConfig, c.Platform)
	}
	switch c.SlowUpdateRate {
	case 0, 1, 5, 10:
	default:
		return fmt.Errorf("%w: slow_update_rate %d not in {0,1,5,10}", ErrInvalidConfig, c.SlowUpdateRate)
	}
	if strings.TrimSpace(c.PVBase) == "" {
		return fmt.Errorf("%w: missing pv_base", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Instrument) == "" {
		return fmt.Errorf("%w: missing instrument", ErrInvalidConfig)
	}
	if c.XPMMaster < 0 {
		return fmt.Errorf("%w: xpm_master %d", ErrInvalidConfig, c.XPMMaster)
	}
	return nil
}

// WithDefaults fills zero durations from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Alias == "" {
		c.Alias = d.Alias
	}
	if c.RollcallTimeout <= 0 {
		c.RollcallTimeout = d.RollcallTimeout
	}
	if c.Phase2Timeout <= 0 {
		c.Phase2Timeout = d.Phase2Timeout
	}
	if c.Slice <= 0 {
		c.Slice = d.Slice
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	t, dt := &c.Timeouts, d.Timeouts
	for _, p := range []struct{ v, def *time.Duration }{
		{&t.Alloc, &dt.Alloc}, {&t.Connect, &dt.Connect}, {&t.Disconnect, &dt.Disconnect},
		{&t.Configure, &dt.Configure}, {&t.Unconfigure, &dt.Unconfigure},
		{&t.BeginRun, &dt.BeginRun}, {&t.EndRun, &dt.EndRun},
		{&t.BeginStep, &dt.BeginStep}, {&t.EndStep, &dt.EndStep},
		{&t.Enable, &dt.Enable}, {&t.Disable, &dt.Disable},
	} {
		if *p.v <= 0 {
			*p.v = *p.def
		}
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.PID == 0 {
		c.PID = d.PID
	}
	return c
}
