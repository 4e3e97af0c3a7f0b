package rundb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/danmuck/daqctl/internal/testutil/testlog"
)

type fakeLogbook struct {
	mu       sync.Mutex
	calls    []string
	params   map[string]any
	descs    map[string]string
	rejectOp string
}

func (f *fakeLogbook) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	record := func(r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
	}
	mux.HandleFunc("GET /ws/lgbk/ws/activeexperiment_for_instrument_station", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.URL.Query().Get("instrument_name") != "TMO" || r.URL.Query().Get("station") != "0" {
			writeJSON(w, map[string]any{"success": true, "value": nil})
			return
		}
		writeJSON(w, map[string]any{"success": true, "value": map[string]any{"name": "tmox42619"}})
	})
	mux.HandleFunc("GET /ws/lgbk/{exp}/ws/current_run", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, map[string]any{"success": true, "value": map[string]any{"num": 17}})
	})
	mux.HandleFunc("POST /ws-auth/run_control/{exp}/ws/{op}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "daq" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		op := r.PathValue("op")
		if op == f.rejectOp {
			writeJSON(w, map[string]any{"success": false})
			return
		}
		switch op {
		case "start_run":
			writeJSON(w, map[string]any{"success": true, "value": map[string]any{"num": 18}})
		case "add_run_params":
			f.mu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&f.params)
			f.mu.Unlock()
			writeJSON(w, map[string]any{"success": true})
		case "add_update_run_param_descriptions":
			f.mu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&f.descs)
			f.mu.Unlock()
			writeJSON(w, map[string]any{"success": true})
		default:
			writeJSON(w, map[string]any{"success": true})
		}
	})
	mux.HandleFunc("POST /ws-auth/lgbk/{exp}/ws/register_file", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, map[string]any{"success": true})
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeLogbook) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{URL: srv.URL + "/ws-auth", User: "daq", Password: "secret"})
}

func TestClientRunLifecycle(t *testing.T) {
	testlog.Start(t)

	fake := &fakeLogbook{}
	c := newTestClient(t, fake)
	ctx := context.Background()

	exp, err := c.GetExperiment(ctx, "TMO", 0)
	if err != nil || exp != "tmox42619" {
		t.Fatalf("GetExperiment=%q,%v", exp, err)
	}
	if _, err := c.GetExperiment(ctx, "RIX", 2); !errors.Is(err, ErrNoExperiment) {
		t.Fatalf("expected ErrNoExperiment, got %v", err)
	}
	last, err := c.GetLastRunNumber(ctx, exp)
	if err != nil || last != 17 {
		t.Fatalf("GetLastRunNumber=%d,%v", last, err)
	}
	run, err := c.StartRun(ctx, exp)
	if err != nil || run != 18 {
		t.Fatalf("StartRun=%d,%v", run, err)
	}
	if err := c.EndRun(ctx, exp); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
	if err := c.RegisterFile(ctx, exp, map[string]any{"path": "/data/r0018.xtc2"}); err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}

	fake.rejectOp = "end_run"
	if err := c.EndRun(ctx, exp); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	bad := NewClient(Config{URL: c.cfg.URL, User: "daq", Password: "wrong"})
	if _, err := bad.StartRun(ctx, exp); !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
	if _, err := NewClient(Config{}).StartRun(ctx, exp); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

type mapPVs map[string]int64

func (m mapPVs) Get(name string) (int64, error) {
	v, ok := m[name]
	if !ok {
		return 0, errors.New("no such pv")
	}
	return v, nil
}

func TestRunParamsIncludesAndBeginRun(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	sub := filepath.Join(dir, "sub.txt")
	top := filepath.Join(dir, "top.txt")
	if err := os.WriteFile(sub, []byte("* beam energy\nBEAM:ENERGY\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(top, []byte("# run params\n< sub.txt, missing.txt\n#* gas pressure\nGAS:P\n\nPLAIN:PV\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rp := NewRunParams(top)
	errs := rp.Configure()
	if len(errs) != 1 {
		t.Fatalf("configure errs=%v", errs)
	}
	want := []PV{{Name: "BEAM:ENERGY", Desc: "beam energy"}, {Name: "GAS:P", Desc: "gas pressure"}, {Name: "PLAIN:PV"}}
	if got := rp.PVs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("pvs=%+v", got)
	}

	fake := &fakeLogbook{}
	c := newTestClient(t, fake)
	pvs := mapPVs{"BEAM:ENERGY": 9, "GAS:P": 3, "PLAIN:PV": 1}
	if errs := rp.BeginRun(context.Background(), "tmox42619", pvs, []string{"cam0"}, c); len(errs) != 0 {
		t.Fatalf("beginrun errs=%v", errs)
	}
	if fake.params["DAQ Detectors/drp/cam0"] != true || fake.params["BEAM:ENERGY"] != float64(9) {
		t.Fatalf("params=%v", fake.params)
	}
	if fake.descs["GAS:P"] != "gas pressure" {
		t.Fatalf("descs=%v", fake.descs)
	}

	// descriptions only go out once per experiment
	fake.descs = nil
	_ = rp.BeginRun(context.Background(), "tmox42619", pvs, nil, c)
	if fake.descs != nil {
		t.Fatalf("descriptions re-sent: %v", fake.descs)
	}

	delete(pvs, "GAS:P")
	errs = rp.BeginRun(context.Background(), "other", pvs, nil, c)
	if len(errs) != 2 {
		t.Fatalf("expected read error and count error, got %v", errs)
	}

	if errs := NewRunParams("/dev/null").Configure(); len(errs) != 0 {
		t.Fatalf("null path errs=%v", errs)
	}
}
