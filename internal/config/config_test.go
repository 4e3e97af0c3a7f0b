package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	controlPath := filepath.Join(dir, "control.toml")
	if err := WriteTemplate(controlPath, "control", false); err != nil {
		t.Fatalf("write control: %v", err)
	}
	ctl, err := LoadControlConfig(controlPath)
	if err != nil {
		t.Fatalf("load control: %v", err)
	}
	if ctl.PVBase != "DAQ:LAB2" || ctl.Timeouts.Configure != 45000 || ctl.Logbook.TimeoutMS != 10000 {
		t.Fatalf("unexpected control config: %+v", ctl)
	}

	workerPath := filepath.Join(dir, "worker.toml")
	if err := WriteTemplate(workerPath, "worker", false); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	w, err := LoadWorkerConfig(workerPath)
	if err != nil {
		t.Fatalf("load worker: %v", err)
	}
	if w.LevelValue() != registry.LevelDRP || w.Alias != "cam0" || w.Connect["nic"] != "eth0" {
		t.Fatalf("unexpected worker config: %+v", w)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)

	path := writeTemp(t, "control.toml", "platform = 1\n")
	if err := WriteTemplate(path, "control", false); err == nil {
		t.Fatalf("expected existing file to be kept")
	}
	if err := WriteTemplate(path, "control", true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if _, err := Template("mirror"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadControlRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)

	path := writeTemp(t, "control.toml", "platform = 0\nplatfrom = 2\n")
	if _, err := LoadControlConfig(path); err == nil || !strings.Contains(err.Error(), "config parse failed") {
		t.Fatalf("expected strict parse failure, got %v", err)
	}
}

func TestValidateControlConfig(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		cfg  ControlFile
	}{
		{"platform", ControlFile{Platform: 8}},
		{"rate", ControlFile{SlowUpdateRate: 2}},
		{"duration", ControlFile{Phase2MS: -1}},
		{"sim worker", ControlFile{SimWorkers: []string{"ami/viewer"}}},
	}
	for _, tc := range cases {
		if err := ValidateControlConfig(tc.cfg); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}
	if err := ValidateControlConfig(ControlFile{SimWorkers: []string{"drp/cam0", "teb/teb0"}}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestWorkerDefaultsAndValidation(t *testing.T) {
	testlog.Start(t)

	path := writeTemp(t, "worker.toml", "alias = \"teb0\"\nlevel = \"TEB\"\nplatform = 3\n")
	w, err := LoadWorkerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w.Host != "localhost" || w.Readout != 3 || w.LevelValue() != registry.LevelTEB {
		t.Fatalf("defaults not applied: %+v", w)
	}

	if err := ValidateWorkerConfig(WorkerFile{Level: "drp"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing alias: %v", err)
	}
	if err := ValidateWorkerConfig(WorkerFile{Alias: "x", Level: "control"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("control level must be rejected: %v", err)
	}
}

func TestParseWorkerName(t *testing.T) {
	testlog.Start(t)

	level, alias, err := ParseWorkerName(" meb/meb0 ")
	if err != nil || level != registry.LevelMEB || alias != "meb0" {
		t.Fatalf("got %q %q %v", level, alias, err)
	}
	for _, raw := range []string{"drp", "drp/", "/cam0"} {
		if _, _, err := ParseWorkerName(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
