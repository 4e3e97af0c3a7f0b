// daqworker runs one agent against a remote orchestrator. Without a shared
// timing bus it never acknowledges pulses, so the orchestrator must run
// with phase2_replies = false.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/danmuck/daqctl/internal/agent"
	"github.com/danmuck/daqctl/internal/config"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/registry"
	"github.com/danmuck/daqctl/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "daqworker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("daqworker", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to worker config.toml")
	name := flagSet.StringP("name", "n", "", "level/alias, e.g. drp/cam0")
	host := flagSet.StringP("host", "C", "localhost", "orchestrator host")
	platform := flagSet.IntP("platform", "p", 0, "platform number 0..7")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logs.ConfigureRuntime()

	wf, err := resolveWorker(*configPath, *name, *host, *platform, flagSet.Changed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := transport.DefaultConfig()
	ports := transport.PortsFor(wf.Platform)
	sub, err := transport.DialBroadcast(ctx, transport.Addr(wf.Host, ports.BackPub), tcfg)
	if err != nil {
		return err
	}
	defer sub.Close()
	push, err := transport.DialPusher(ctx, transport.Addr(wf.Host, ports.BackPull), tcfg)
	if err != nil {
		return err
	}
	defer push.Close()

	hostname, _ := os.Hostname()
	a, err := agent.New(agent.Config{
		ID:          registry.NodeID(wf.ID),
		Level:       wf.LevelValue(),
		Alias:       wf.Alias,
		Host:        hostname,
		PID:         os.Getpid(),
		Readout:     wf.Readout,
		ConnectInfo: wf.Connect,
	}, sub, push)
	if err != nil {
		return err
	}
	err = a.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// resolveWorker loads the config file when given, then applies flags.
func resolveWorker(path, name, host string, platform int, changed func(string) bool) (config.WorkerFile, error) {
	var wf config.WorkerFile
	if path != "" {
		loaded, err := config.LoadWorkerConfig(path)
		if err != nil {
			return config.WorkerFile{}, err
		}
		wf = loaded
	} else {
		wf.Host = host
		wf.Platform = platform
		wf.Readout = platform
	}
	if name != "" {
		level, alias, err := config.ParseWorkerName(name)
		if err != nil {
			return config.WorkerFile{}, err
		}
		wf.Level = string(level)
		wf.Alias = alias
	}
	if changed("host") {
		wf.Host = host
	}
	if changed("platform") {
		wf.Platform = platform
	}
	if err := config.ValidateWorkerConfig(wf); err != nil {
		return config.WorkerFile{}, err
	}
	return wf, nil
}
