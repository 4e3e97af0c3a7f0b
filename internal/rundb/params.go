package rundb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logs "github.com/danmuck/daqctl/internal/logging"
)

// PVReader reads one process variable.
type PVReader interface {
	Get(name string) (int64, error)
}

// ParamSink receives run parameters; Client satisfies it.
type ParamSink interface {
	AddRunParams(ctx context.Context, experiment string, params map[string]any) (int, error)
	AddUpdateRunParamDescriptions(ctx context.Context, experiment string, descs map[string]string) (int, error)
}

type PV struct {
	Name string
	Desc string
}

// RunParams holds the PV list declared by a run parameter file and the
// files it includes. Lines starting with '<' include comma separated files
// relative to the including file's directory; '*' or '#*' lines describe the
// next PV; other non-comment lines name a PV.
type RunParams struct {
	path     string
	files    map[string]struct{}
	pvs      []PV
	recorded map[string]bool
}

func NewRunParams(path string) *RunParams {
	return &RunParams{path: path, files: map[string]struct{}{}, recorded: map[string]bool{}}
}

func (p *RunParams) PVs() []PV { return append([]PV(nil), p.pvs...) }

func isNull(path string) bool { return path == "" || path == "/dev/null" }

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// Configure resolves includes and loads the PV list. Missing files are
// returned as errors and skipped.
func (p *RunParams) Configure() []error {
	p.files = map[string]struct{}{}
	p.pvs = nil
	p.recorded = map[string]bool{}
	if isNull(p.path) {
		return nil
	}
	var errs []error
	if !exists(p.path) {
		return []error{fmt.Errorf("logbook run parameter file not found: %s", p.path)}
	}
	pending := []string{p.path}
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		if _, seen := p.files[next]; seen {
			continue
		}
		if !exists(next) {
			errs = append(errs, fmt.Errorf("logbook run parameter file not found: %s", next))
			continue
		}
		p.files[next] = struct{}{}
		pending = append(pending, includes(next)...)
	}
	seen := map[string]bool{}
	for _, f := range sortedKeys(p.files) {
		for _, pv := range readPVs(f) {
			if !seen[pv.Name] {
				seen[pv.Name] = true
				p.pvs = append(p.pvs, pv)
			}
		}
	}
	sort.Slice(p.pvs, func(i, j int) bool { return p.pvs[i].Name < p.pvs[j].Name })
	logs.Debugf("rundb.RunParams.Configure files=%d pvs=%d", len(p.files), len(p.pvs))
	return errs
}

func (p *RunParams) Unconfigure() {
	p.files = map[string]struct{}{}
	p.pvs = nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func includes(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	dir := filepath.Dir(path)
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(strings.SplitN(sc.Text(), "#", 2)[0])
		if !strings.HasPrefix(line, "<") {
			continue
		}
		for _, raw := range strings.Split(line[1:], ",") {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			if !filepath.IsAbs(name) {
				name = filepath.Join(dir, name)
			}
			out = append(out, name)
		}
	}
	return out
}

func readPVs(path string) []PV {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []PV
	desc := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "<"):
			desc = ""
		case strings.HasPrefix(line, "*") || strings.HasPrefix(line, "#*"):
			desc = strings.TrimSpace(strings.SplitN(strings.TrimPrefix(line, "#"), "*", 3)[1])
		case line == "" || strings.HasPrefix(line, "#"):
			desc = ""
		default:
			out = append(out, PV{Name: line, Desc: desc})
		}
	}
	return out
}

// BeginRun reads every PV, adds the active drp aliases and records them.
// Descriptions are sent once per experiment.
func (p *RunParams) BeginRun(ctx context.Context, experiment string, pva PVReader, drpAliases []string, sink ParamSink) []error {
	var errs []error
	params := make(map[string]any, len(p.pvs)+len(drpAliases))
	descs := map[string]string{}
	want := len(p.pvs)

	if !p.recorded[experiment] {
		for _, pv := range p.pvs {
			descs[pv.Name] = pv.Desc
		}
		p.recorded[experiment] = true
	}

	readErrs := 0
	for _, pv := range p.pvs {
		v, err := pva.Get(pv.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read PV %s", pv.Name))
			readErrs++
			if readErrs > 1 {
				break
			}
			continue
		}
		params[pv.Name] = v
	}
	for _, alias := range drpAliases {
		params["DAQ Detectors/drp/"+alias] = true
		want++
	}

	got, err := sink.AddRunParams(ctx, experiment, params)
	if err != nil {
		errs = append(errs, err)
	}
	if got < want {
		errs = append(errs, fmt.Errorf("%d of %d run parameters recorded in logbook (experiment=%s)", got, want, experiment))
	} else {
		logs.Infof("rundb.BeginRun params=%d experiment=%q", got, experiment)
	}

	got, err = sink.AddUpdateRunParamDescriptions(ctx, experiment, descs)
	if err != nil {
		errs = append(errs, err)
	}
	if got < len(descs) {
		errs = append(errs, fmt.Errorf("%d of %d run parameter descriptions recorded in logbook (experiment=%s)", got, len(descs), experiment))
	}
	return errs
}
