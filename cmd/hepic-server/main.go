package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZLoverty/hepic-server/pkg/hepicserver"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	fs := flag.NewFlagSet("hepic-server", flag.ExitOnError)
	fs.Usage = func() { printUsage(fs) }

	var (
		testMode    bool
		showVersion bool
		validate    bool
	)
	fs.BoolVar(&testMode, "t", false, "serve random test data instead of polling devices")
	fs.BoolVar(&testMode, "test_mode", false, "serve random test data instead of polling devices")
	fs.BoolVar(&showVersion, "v", false, "print the version and exit")
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")
	fs.BoolVar(&validate, "validate", false, "load and validate the config, then exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if showVersion {
		fmt.Printf("hepic-server %s\n", version)
		return
	}

	cfgPath := fs.Arg(0)
	if cfgPath == "" {
		cfgPath = "./data/config.yaml"
	}

	cfg, err := hepicserver.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hepic-server: load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	if validate {
		if err := cfg.ValidateSource(); err != nil {
			fmt.Fprintf(os.Stderr, "hepic-server: config %s: %v\n", cfgPath, err)
			os.Exit(1)
		}
		fmt.Printf("config %s looks good\n", cfgPath)
		return
	}

	rt, err := hepicserver.NewRuntime(cfg, testMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hepic-server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hepic-server: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), `hepic-server %s

Usage:
  hepic-server [flags] [CONFIG]

CONFIG defaults to ./data/config.yaml.

Flags:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  hepic-server ./data/config.yaml
  hepic-server -t ./data/config.yaml
  hepic-server -validate ./data/config.yaml
`)
}
