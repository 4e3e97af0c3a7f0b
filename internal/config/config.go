// Package config owns the on-disk TOML shapes of the control and worker
// processes, their templates and strict validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/daqctl/internal/registry"
)

var ErrInvalid = errors.New("config: invalid")

// ControlFile is the daqctl config.toml. Durations are milliseconds.
type ControlFile struct {
	Platform       int      `toml:"platform"`
	Alias          string   `toml:"alias"`
	Instrument     string   `toml:"instrument"`
	Experiment     string   `toml:"experiment"`
	XPMMaster      int      `toml:"xpm_master"`
	PVBase         string   `toml:"pv_base"`
	CfgDBase       string   `toml:"cfg_dbase"`
	ConfigAlias    string   `toml:"config_alias"`
	TriggerConfig  string   `toml:"trigger_config"`
	Record         bool     `toml:"record"`
	SlowUpdateRate int      `toml:"slow_update_rate"`
	ActiveDetFile  string   `toml:"active_det_file"`
	RunParamsFile  string   `toml:"run_params_file"`
	RollcallMS     int      `toml:"rollcall_timeout_ms"`
	Phase2MS       int      `toml:"phase2_timeout_ms"`
	Phase2Replies  bool     `toml:"phase2_replies"`
	SettleMS       int      `toml:"settle_ms"`
	BindHost       string   `toml:"bind_host"`
	AdminAddr      string   `toml:"admin_addr"`
	CORSOrigins    []string `toml:"cors_origins"`
	RunStoreDir    string   `toml:"runstore_dir"`
	// SimWorkers are "level/alias" agents started in-process for bench work.
	SimWorkers []string `toml:"sim_workers"`

	Logbook  LogbookFile  `toml:"logbook"`
	Timeouts TimeoutsFile `toml:"timeouts_ms"`
}

type LogbookFile struct {
	URL       string `toml:"url"`
	User      string `toml:"user"`
	Password  string `toml:"password"`
	TimeoutMS int    `toml:"timeout_ms"`
}

type TimeoutsFile struct {
	Alloc       int `toml:"alloc"`
	Connect     int `toml:"connect"`
	Disconnect  int `toml:"disconnect"`
	Configure   int `toml:"configure"`
	Unconfigure int `toml:"unconfigure"`
	BeginRun    int `toml:"beginrun"`
	EndRun      int `toml:"endrun"`
	BeginStep   int `toml:"beginstep"`
	EndStep     int `toml:"endstep"`
	Enable      int `toml:"enable"`
	Disable     int `toml:"disable"`
}

// WorkerFile is the daqworker config.toml.
type WorkerFile struct {
	ID       string         `toml:"id"`
	Alias    string         `toml:"alias"`
	Level    string         `toml:"level"`
	Platform int            `toml:"platform"`
	Host     string         `toml:"host"`
	Readout  int            `toml:"readout"`
	Connect  map[string]any `toml:"connect_info"`
}

func LoadWorkerConfig(path string) (WorkerFile, error) {
	var cfg WorkerFile
	if err := loadToml(path, &cfg); err != nil {
		return WorkerFile{}, err
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Readout == 0 {
		cfg.Readout = cfg.Platform
	}
	if err := ValidateWorkerConfig(cfg); err != nil {
		return WorkerFile{}, err
	}
	return cfg, nil
}

// LoadControlConfig parses path strictly; unknown keys are errors.
func LoadControlConfig(path string) (ControlFile, error) {
	var cfg ControlFile
	if err := loadToml(path, &cfg); err != nil {
		return ControlFile{}, err
	}
	if err := ValidateControlConfig(cfg); err != nil {
		return ControlFile{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateControlConfig(cfg ControlFile) error {
	if cfg.Platform < 0 || cfg.Platform > 7 {
		return fmt.Errorf("%w: platform %d not in 0..7", ErrInvalid, cfg.Platform)
	}
	switch cfg.SlowUpdateRate {
	case 0, 1, 5, 10:
	default:
		return fmt.Errorf("%w: slow_update_rate %d not in {0,1,5,10}", ErrInvalid, cfg.SlowUpdateRate)
	}
	for _, ms := range []int{cfg.RollcallMS, cfg.Phase2MS, cfg.SettleMS, cfg.Logbook.TimeoutMS} {
		if ms < 0 {
			return fmt.Errorf("%w: negative duration %d", ErrInvalid, ms)
		}
	}
	for i, raw := range cfg.SimWorkers {
		if _, _, err := ParseWorkerName(raw); err != nil {
			return fmt.Errorf("sim_workers[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateWorkerConfig(cfg WorkerFile) error {
	if strings.TrimSpace(cfg.Alias) == "" {
		return fmt.Errorf("%w: worker config missing alias", ErrInvalid)
	}
	if _, err := parseLevel(cfg.Level); err != nil {
		return err
	}
	if cfg.Platform < 0 || cfg.Platform > 7 {
		return fmt.Errorf("%w: platform %d not in 0..7", ErrInvalid, cfg.Platform)
	}
	if cfg.Readout < 0 || cfg.Readout > 7 {
		return fmt.Errorf("%w: readout group %d not in 0..7", ErrInvalid, cfg.Readout)
	}
	return nil
}

// ParseWorkerName splits "drp/cam0" into its level and alias.
func ParseWorkerName(raw string) (registry.Level, string, error) {
	levelRaw, alias, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || strings.TrimSpace(alias) == "" {
		return "", "", fmt.Errorf("%w: worker name %q is not level/alias", ErrInvalid, raw)
	}
	level, err := parseLevel(levelRaw)
	if err != nil {
		return "", "", err
	}
	return level, strings.TrimSpace(alias), nil
}

func parseLevel(raw string) (registry.Level, error) {
	level := registry.Level(strings.ToLower(strings.TrimSpace(raw)))
	for _, l := range registry.WorkerLevels {
		if l == level {
			return level, nil
		}
	}
	return "", fmt.Errorf("%w: level %q not one of drp, teb, meb", ErrInvalid, raw)
}

// LevelValue returns the validated worker level.
func (w WorkerFile) LevelValue() registry.Level {
	level, _ := parseLevel(w.Level)
	return level
}
