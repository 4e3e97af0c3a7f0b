package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/daqctl/internal/client"
	"github.com/danmuck/daqctl/internal/lifecycle"
	"github.com/danmuck/daqctl/internal/protocol"
)

var ErrUsage = errors.New("daqcli: usage")

// controller is the subset of *client.Control the commands drive.
type controller interface {
	GetState(ctx context.Context) (lifecycle.State, error)
	GetStatus(ctx context.Context) (protocol.Status, error)
	GetPlatform(ctx context.Context) (map[string]any, error)
	GetJSONConfig(ctx context.Context) (string, error)
	GetInstrument(ctx context.Context) (string, int, error)
	SetState(ctx context.Context, target lifecycle.State, phase1 map[string]any) error
	SetTransition(ctx context.Context, t lifecycle.Transition, phase1 map[string]any) error
	SetRecord(ctx context.Context, recording bool) error
	SetBypass(ctx context.Context, bypass bool) error
	SetConfig(ctx context.Context, alias string) error
	SelectPlatform(ctx context.Context, selection map[string]any) error
	StoreJSONConfig(ctx context.Context, doc string) error
	MonitorStatus(ctx context.Context) (client.StatusEvent, error)
}

const usage = `usage: daqcli [flags] <command> [args]

commands:
  state                     print the current state
  status                    print the full status
  platform                  print every registered node
  jsonconfig                print the active detectors document
  instrument                print instrument and station
  setstate <state> [file]   drive to state; file holds {transition: payload}
  transition <name> [file]  fire one transition; file holds its payload
  record <on|off>
  bypass <on|off>
  config <alias>
  select <file>             selectplatform with a {level: {id: {active, readout}}} document
  storeconfig <file>        store an active detectors document
  monitor                   print status broadcasts until interrupted
`

func runCommand(ctx context.Context, ctl controller, out io.Writer, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "state":
		s, err := ctl.GetState(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, s)
		return err
	case "status":
		st, err := ctl.GetStatus(ctx)
		if err != nil {
			return err
		}
		return render(out, st)
	case "platform":
		p, err := ctl.GetPlatform(ctx)
		if err != nil {
			return err
		}
		return render(out, p)
	case "jsonconfig":
		doc, err := ctl.GetJSONConfig(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, doc)
		return err
	case "instrument":
		name, station, err := ctl.GetInstrument(ctx)
		if err != nil {
			return err
		}
		return render(out, map[string]any{"instrument": name, "station": station})
	case "setstate":
		if len(rest) < 1 {
			return fmt.Errorf("%w: setstate <state> [file]", ErrUsage)
		}
		target, err := lifecycle.ParseState(rest[0])
		if err != nil {
			return err
		}
		phase1, err := optionalDoc(rest[1:])
		if err != nil {
			return err
		}
		if err := ctl.SetState(ctx, target, phase1); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, target)
		return err
	case "transition":
		if len(rest) < 1 {
			return fmt.Errorf("%w: transition <name> [file]", ErrUsage)
		}
		t, err := lifecycle.ParseTransition(rest[0])
		if err != nil {
			return err
		}
		body, err := optionalDoc(rest[1:])
		if err != nil {
			return err
		}
		return ctl.SetTransition(ctx, t, body)
	case "record", "bypass":
		if len(rest) != 1 {
			return fmt.Errorf("%w: %s <on|off>", ErrUsage, cmd)
		}
		on, err := parseSwitch(rest[0])
		if err != nil {
			return err
		}
		if cmd == "record" {
			return ctl.SetRecord(ctx, on)
		}
		return ctl.SetBypass(ctx, on)
	case "config":
		if len(rest) != 1 {
			return fmt.Errorf("%w: config <alias>", ErrUsage)
		}
		return ctl.SetConfig(ctx, rest[0])
	case "select":
		if len(rest) != 1 {
			return fmt.Errorf("%w: select <file>", ErrUsage)
		}
		doc, err := readDoc(rest[0])
		if err != nil {
			return err
		}
		return ctl.SelectPlatform(ctx, doc)
	case "storeconfig":
		if len(rest) != 1 {
			return fmt.Errorf("%w: storeconfig <file>", ErrUsage)
		}
		raw, err := os.ReadFile(rest[0])
		if err != nil {
			return err
		}
		return ctl.StoreJSONConfig(ctx, string(jsonc.ToJSON(raw)))
	case "monitor":
		return monitor(ctx, ctl, out)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func monitor(ctx context.Context, ctl controller, out io.Writer) error {
	for {
		ev, err := ctl.MonitorStatus(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var line any
		switch ev.Kind {
		case client.EventStatus:
			line = map[string]any{"status": ev.Status}
		case client.EventProgress:
			line = map[string]any{"progress": ev.Progress}
		case client.EventError, client.EventWarning:
			line = map[string]any{ev.Kind: ev.Text}
		case client.EventFileReport:
			line = map[string]any{ev.Kind: ev.Path}
		}
		if err := render(out, line); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, "---"); err != nil {
			return err
		}
	}
}

// render writes v as YAML, going through JSON so field names match the wire.
func render(out io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func parseSwitch(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "1", "true", "yes":
		return true, nil
	case "off", "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on or off, got %q", ErrUsage, raw)
}

func optionalDoc(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return readDoc(args[0])
}

// readDoc loads a JSON (comments allowed) or YAML object from path.
func readDoc(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return doc, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
