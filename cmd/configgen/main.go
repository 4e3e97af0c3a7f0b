package main

import (
	"errors"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/danmuck/daqctl/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "control":
		return "cmd/daqctl/config.toml"
	case "worker":
		return "cmd/daqworker/config.toml"
	}
	log.Fatalf("unknown kind: %s", kind)
	return ""
}

func main() {
	flagSet := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kind := flagSet.StringP("kind", "k", "control", "config kind: control|worker")
	output := flagSet.StringP("output", "o", "", "output path for config template")
	validate := flagSet.Bool("validate", false, "validate an existing config file")
	input := flagSet.StringP("input", "i", "", "config path for validation (defaults to per-kind cmd path)")
	force := flagSet.BoolP("force", "f", false, "overwrite existing config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		switch *kind {
		case "control":
			if _, err := config.LoadControlConfig(path); err != nil {
				log.Fatal(err)
			}
		case "worker":
			if _, err := config.LoadWorkerConfig(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
