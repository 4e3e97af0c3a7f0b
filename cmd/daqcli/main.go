// daqcli drives one platform's orchestrator from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/daqctl/internal/client"
	logs "github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/transport"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, ErrUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "daqcli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("daqcli", pflag.ContinueOnError)
	host := flagSet.StringP("host", "C", "localhost", "orchestrator host")
	platform := flagSet.IntP("platform", "p", 0, "platform number 0..7")
	timeout := flagSet.DurationP("timeout", "t", 2*time.Minute, "overall deadline; 0 waits forever")
	flagSet.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logs.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 && flagSet.Arg(0) != "monitor" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	ctl, err := client.Dial(ctx, *host, *platform, transport.DefaultConfig())
	if err != nil {
		return err
	}
	defer ctl.Close()
	return runCommand(ctx, ctl, os.Stdout, flagSet.Args())
}
