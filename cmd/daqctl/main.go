// daqctl runs the collection orchestrator of one platform: the four
// message channels, the admin HTTP surface and, optionally, simulated
// in-process workers sharing its timing bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/danmuck/daqctl/internal/admin"
	"github.com/danmuck/daqctl/internal/agent"
	"github.com/danmuck/daqctl/internal/config"
	"github.com/danmuck/daqctl/internal/control"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/rundb"
	"github.com/danmuck/daqctl/internal/runstore"
	"github.com/danmuck/daqctl/internal/timing"
	"github.com/danmuck/daqctl/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "daqctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("daqctl", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to daqctl config.toml")
	platform := flagSet.IntP("platform", "p", 0, "platform number 0..7")
	instrument := flagSet.StringP("instrument", "i", "", "instrument name, optionally NAME:STATION")
	pvBase := flagSet.String("pv-base", "", "timing PV base name")
	xpmMaster := flagSet.Int("xpm-master", 0, "XPM master id")
	rate := flagSet.IntP("slow-update-rate", "S", 0, "slow update rate in Hz (0, 1, 5, 10)")
	activeDet := flagSet.String("active-det-file", "", "active detector file ('/dev/null' bypasses)")
	adminAddr := flagSet.String("admin-addr", "", "admin HTTP listen address")
	record := flagSet.Bool("record", false, "record runs from startup")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logs.ConfigureRuntime()
	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}
	c := &cfg.Control
	if flagSet.Changed("platform") {
		c.Platform = *platform
	}
	if flagSet.Changed("instrument") {
		if err := c.SetInstrument(*instrument); err != nil {
			return err
		}
	}
	if flagSet.Changed("pv-base") {
		c.PVBase = *pvBase
	}
	if flagSet.Changed("xpm-master") {
		c.XPMMaster = *xpmMaster
	}
	if flagSet.Changed("slow-update-rate") {
		c.SlowUpdateRate = *rate
	}
	if flagSet.Changed("active-det-file") {
		c.ActiveDetFile = *activeDet
	}
	if flagSet.Changed("admin-addr") {
		cfg.Admin.Addr = *adminAddr
	}
	if flagSet.Changed("record") {
		c.Recording = *record
	}
	cfg.Admin.Component = fmt.Sprintf("daqctl-p%d", c.Platform)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg appConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tcfg := transport.DefaultConfig()
	ports := transport.PortsFor(cfg.Control.Platform)
	listen := func(port int) (net.Listener, error) {
		return net.Listen("tcp", transport.Addr(cfg.BindHost, port))
	}
	pullLn, err := listen(ports.BackPull)
	if err != nil {
		return err
	}
	defer pullLn.Close()
	bpubLn, err := listen(ports.BackPub)
	if err != nil {
		return err
	}
	defer bpubLn.Close()
	repLn, err := listen(ports.FrontRep)
	if err != nil {
		return err
	}
	defer repLn.Close()
	fpubLn, err := listen(ports.FrontPub)
	if err != nil {
		return err
	}
	defer fpubLn.Close()

	store, err := runstore.Open(cfg.RunStoreDir)
	if err != nil {
		return err
	}
	defer store.Close()

	pva := timing.NewMemoryPVA()
	backend := transport.NewTCPBackend(tcfg)
	frontend := transport.NewTCPFrontend(tcfg)
	deps := control.Deps{
		Backend:  backend,
		Frontend: frontend,
		PVA:      pva,
		RunStore: store,
	}
	if lb := rundb.NewClient(cfg.Logbook); lb.Enabled() {
		deps.Logbook = lb
	}
	if cfg.Control.SlowUpdateRate > 0 {
		req := transport.NewTCPRequester(transport.Addr("localhost", ports.FrontRep), tcfg)
		defer req.Close()
		deps.SlowUpdates = req
	}

	coll, err := control.New(cfg.Control, deps)
	if err != nil {
		return err
	}

	errCh := make(chan error, 4)
	go func() { errCh <- backend.Serve(ctx, pullLn, bpubLn) }()
	go func() { errCh <- frontend.Serve(ctx, repLn, fpubLn) }()
	go func() { errCh <- admin.New(cfg.Admin, coll).Serve(ctx) }()

	if err := startSimWorkers(ctx, cfg, pva, tcfg); err != nil {
		return err
	}

	coll.Init(ctx)
	go func() { errCh <- coll.Run(ctx) }()
	logs.Infof("daqctl.serve platform=%d ports=%+v admin=%q", cfg.Control.Platform, ports, cfg.Admin.Addr)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

// startSimWorkers dials one agent per sim_workers entry back into this
// process; drp agents acknowledge pulses on the shared in-memory bus.
func startSimWorkers(ctx context.Context, cfg appConfig, pva timing.PVA, tcfg transport.Config) error {
	ports := transport.PortsFor(cfg.Control.Platform)
	names := timing.Names{
		Base:      cfg.Control.PVBase,
		XPMMaster: cfg.Control.XPMMaster,
		Platform:  cfg.Control.Platform,
	}
	for _, raw := range cfg.SimWorkers {
		level, alias, err := config.ParseWorkerName(raw)
		if err != nil {
			return err
		}
		sub, err := transport.DialBroadcast(ctx, transport.Addr("localhost", ports.BackPub), tcfg)
		if err != nil {
			return err
		}
		push, err := transport.DialPusher(ctx, transport.Addr("localhost", ports.BackPull), tcfg)
		if err != nil {
			sub.Close()
			return err
		}
		a, err := agent.New(agent.Config{
			Level:       level,
			Alias:       alias,
			Host:        cfg.Control.Host,
			PID:         os.Getpid(),
			Readout:     cfg.Control.Platform,
			ConnectInfo: map[string]any{"sim": true},
			PVA:         pva,
			Names:       names,
		}, sub, push)
		if err != nil {
			sub.Close()
			push.Close()
			return err
		}
		go func() {
			defer sub.Close()
			defer push.Close()
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				logs.Warnf("daqctl.simWorker name=%s err=%v", a.Name(), err)
			}
		}()
	}
	return nil
}
