package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/daqctl/internal/admin"
	"github.com/danmuck/daqctl/internal/config"
	"github.com/danmuck/daqctl/internal/control"
	"github.com/danmuck/daqctl/internal/rundb"
)

// appConfig is everything daqctl wires at startup.
type appConfig struct {
	Control     control.Config
	Admin       admin.Config
	Logbook     rundb.Config
	BindHost    string
	RunStoreDir string
	SimWorkers  []string
}

func defaultAppConfig() appConfig {
	return appConfig{
		Control:  control.DefaultConfig(),
		Admin:    admin.DefaultConfig(),
		BindHost: "0.0.0.0",
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// daqctl loader for TOML config with default overlay.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw config.ControlFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load daqctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load daqctl config: unknown key %q", undecoded[0].String())
	}
	if err := config.ValidateControlConfig(raw); err != nil {
		return appConfig{}, fmt.Errorf("load daqctl config: %w", err)
	}

	c := &cfg.Control
	if meta.IsDefined("platform") {
		c.Platform = raw.Platform
	}
	if meta.IsDefined("alias") {
		c.Alias = strings.TrimSpace(raw.Alias)
	}
	if meta.IsDefined("instrument") {
		if err := c.SetInstrument(raw.Instrument); err != nil {
			return appConfig{}, fmt.Errorf("load daqctl config: %w", err)
		}
	}
	if meta.IsDefined("experiment") {
		c.Experiment = strings.TrimSpace(raw.Experiment)
	}
	if meta.IsDefined("xpm_master") {
		c.XPMMaster = raw.XPMMaster
	}
	if meta.IsDefined("pv_base") {
		c.PVBase = strings.TrimSpace(raw.PVBase)
	}
	if meta.IsDefined("cfg_dbase") {
		c.CfgDBase = strings.TrimSpace(raw.CfgDBase)
	}
	if meta.IsDefined("config_alias") {
		c.ConfigAlias = strings.TrimSpace(raw.ConfigAlias)
	}
	if meta.IsDefined("trigger_config") {
		c.TriggerConfig = strings.TrimSpace(raw.TriggerConfig)
	}
	if meta.IsDefined("record") {
		c.Recording = raw.Record
	}
	if meta.IsDefined("slow_update_rate") {
		c.SlowUpdateRate = raw.SlowUpdateRate
	}
	if meta.IsDefined("active_det_file") {
		c.ActiveDetFile = strings.TrimSpace(raw.ActiveDetFile)
	}
	if meta.IsDefined("run_params_file") {
		c.RunParamsFile = strings.TrimSpace(raw.RunParamsFile)
	}
	if meta.IsDefined("rollcall_timeout_ms") {
		c.RollcallTimeout = ms(raw.RollcallMS)
	}
	if meta.IsDefined("phase2_timeout_ms") {
		c.Phase2Timeout = ms(raw.Phase2MS)
	}
	if meta.IsDefined("phase2_replies") {
		c.Phase2Replies = raw.Phase2Replies
	}
	if meta.IsDefined("settle_ms") {
		c.SettleDelay = ms(raw.SettleMS)
	}

	t := &c.Timeouts
	for _, o := range []struct {
		key string
		dst *time.Duration
		v   int
	}{
		{"alloc", &t.Alloc, raw.Timeouts.Alloc},
		{"connect", &t.Connect, raw.Timeouts.Connect},
		{"disconnect", &t.Disconnect, raw.Timeouts.Disconnect},
		{"configure", &t.Configure, raw.Timeouts.Configure},
		{"unconfigure", &t.Unconfigure, raw.Timeouts.Unconfigure},
		{"beginrun", &t.BeginRun, raw.Timeouts.BeginRun},
		{"endrun", &t.EndRun, raw.Timeouts.EndRun},
		{"beginstep", &t.BeginStep, raw.Timeouts.BeginStep},
		{"endstep", &t.EndStep, raw.Timeouts.EndStep},
		{"enable", &t.Enable, raw.Timeouts.Enable},
		{"disable", &t.Disable, raw.Timeouts.Disable},
	} {
		if meta.IsDefined("timeouts_ms", o.key) {
			*o.dst = ms(o.v)
		}
	}

	if meta.IsDefined("bind_host") {
		cfg.BindHost = strings.TrimSpace(raw.BindHost)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("runstore_dir") {
		cfg.RunStoreDir = strings.TrimSpace(raw.RunStoreDir)
	}
	if meta.IsDefined("sim_workers") {
		cfg.SimWorkers = raw.SimWorkers
	}

	if meta.IsDefined("logbook", "url") {
		cfg.Logbook.URL = strings.TrimSpace(raw.Logbook.URL)
	}
	if meta.IsDefined("logbook", "user") {
		cfg.Logbook.User = strings.TrimSpace(raw.Logbook.User)
	}
	if meta.IsDefined("logbook", "password") {
		cfg.Logbook.Password = raw.Logbook.Password
	}
	if meta.IsDefined("logbook", "timeout_ms") {
		cfg.Logbook.Timeout = ms(raw.Logbook.TimeoutMS)
	}

	if err := c.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("load daqctl config: %w", err)
	}
	return cfg, nil
}
