// Package rundb talks to the experiment logbook: experiment lookup, run
// numbering, run parameters and data-file registration.
package rundb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logs "github.com/danmuck/daqctl/internal/logging"
)

var (
	ErrNotConfigured = errors.New("rundb: logbook url not configured")
	ErrStatus        = errors.New("rundb: unexpected status")
	ErrRejected      = errors.New("rundb: request rejected")
	ErrNoExperiment  = errors.New("rundb: no active experiment")
)

type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Enabled reports whether a logbook url is set.
func (c *Client) Enabled() bool {
	return strings.TrimSpace(c.cfg.URL) != ""
}

type envelope struct {
	Success bool            `json:"success"`
	Value   json.RawMessage `json:"value"`
	Message string          `json:"errormsg,omitempty"`
}

type runValue struct {
	Num  int    `json:"num"`
	Name string `json:"name"`
}

func withSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// authURL is the configured url; publicURL strips the authenticated path segment.
func (c *Client) authURL() string { return withSlash(c.cfg.URL) }

func (c *Client) publicURL() string {
	u := strings.ReplaceAll(c.cfg.URL, "ws-auth", "ws")
	return withSlash(strings.ReplaceAll(u, "ws-kerb", "ws"))
}

func (c *Client) do(ctx context.Context, method, target string, payload any, auth bool) (envelope, error) {
	if !c.Enabled() {
		return envelope{}, ErrNotConfigured
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return envelope{}, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return envelope{}, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return envelope{}, err
	}
	logs.Debugf("rundb.do method=%s url=%q status=%d", method, target, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return envelope{}, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("rundb: decode response: %w", err)
	}
	return env, nil
}

func (c *Client) runControl(ctx context.Context, experiment, op string, payload any) (envelope, error) {
	target := fmt.Sprintf("%srun_control/%s/ws/%s", c.authURL(), url.PathEscape(experiment), op)
	env, err := c.do(ctx, http.MethodPost, target, payload, true)
	if err != nil {
		return envelope{}, fmt.Errorf("%s (user=%s): %w", op, c.cfg.User, err)
	}
	if !env.Success {
		return envelope{}, fmt.Errorf("%s (user=%s): %w", op, c.cfg.User, ErrRejected)
	}
	return env, nil
}

// GetExperiment returns the active experiment for instrument and station.
func (c *Client) GetExperiment(ctx context.Context, instrument string, station int) (string, error) {
	q := url.Values{}
	q.Set("instrument_name", instrument)
	q.Set("station", strconv.Itoa(station))
	target := c.publicURL() + "lgbk/ws/activeexperiment_for_instrument_station?" + q.Encode()
	env, err := c.do(ctx, http.MethodGet, target, nil, false)
	if err != nil {
		return "", err
	}
	var v runValue
	if len(env.Value) == 0 || json.Unmarshal(env.Value, &v) != nil || v.Name == "" {
		return "", fmt.Errorf("%w: instrument=%s station=%d", ErrNoExperiment, instrument, station)
	}
	return v.Name, nil
}

// GetLastRunNumber returns the current run number of experiment, or 0.
func (c *Client) GetLastRunNumber(ctx context.Context, experiment string) (int, error) {
	target := fmt.Sprintf("%slgbk/%s/ws/current_run", c.publicURL(), url.PathEscape(experiment))
	env, err := c.do(ctx, http.MethodGet, target, nil, false)
	if err != nil {
		return 0, err
	}
	var v runValue
	if len(env.Value) == 0 || string(env.Value) == "null" {
		return 0, nil
	}
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return 0, fmt.Errorf("rundb: decode current_run: %w", err)
	}
	return v.Num, nil
}

// StartRun opens a new run and returns its number.
func (c *Client) StartRun(ctx context.Context, experiment string) (int, error) {
	env, err := c.runControl(ctx, experiment, "start_run", nil)
	if err != nil {
		return 0, err
	}
	var v runValue
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return 0, fmt.Errorf("start_run: decode value: %w", err)
	}
	logs.Infof("rundb.StartRun experiment=%q run=%d", experiment, v.Num)
	return v.Num, nil
}

func (c *Client) EndRun(ctx context.Context, experiment string) error {
	_, err := c.runControl(ctx, experiment, "end_run", nil)
	return err
}

// AddRunParams records params and returns how many were accepted.
func (c *Client) AddRunParams(ctx context.Context, experiment string, params map[string]any) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}
	if _, err := c.runControl(ctx, experiment, "add_run_params", params); err != nil {
		return 0, err
	}
	return len(params), nil
}

func (c *Client) AddUpdateRunParamDescriptions(ctx context.Context, experiment string, descs map[string]string) (int, error) {
	if len(descs) == 0 {
		return 0, nil
	}
	if _, err := c.runControl(ctx, experiment, "add_update_run_param_descriptions", descs); err != nil {
		return 0, err
	}
	return len(descs), nil
}

// RegisterFile records a data file produced by the current run.
func (c *Client) RegisterFile(ctx context.Context, experiment string, body map[string]any) error {
	target := fmt.Sprintf("%slgbk/%s/ws/register_file", c.authURL(), url.PathEscape(experiment))
	env, err := c.do(ctx, http.MethodPost, target, body, true)
	if err != nil {
		return fmt.Errorf("register_file: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("register_file: %w", ErrRejected)
	}
	return nil
}
