// Package main provides the entry point for nostrmeet, a proximity check-in
// and topic matching service on top of Nostr relays.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/nostrmeet/nostrmeet/internal/cmd"
	"github.com/nostrmeet/nostrmeet/internal/config"
	"github.com/nostrmeet/nostrmeet/internal/logging"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: nostrmeet <command> [flags]

Commands:
  serve           run the discovery service and HTTP API (default)
  keys generate   create a new signing key
  keys import     import a hex or nsec secret (read without echo)
  keys show       print the public key of the configured secret
  version         print version information
`)
}

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}
	// Load environment variables from .env if present.
	if errLoad := config.LoadEnvFile(filepath.Join(wd, ".env")); errLoad != nil {
		log.WithError(errLoad).Warn("failed to load .env file")
	}

	switch command {
	case "serve":
		err = runServe(args)
	case "keys":
		err = runKeys(args)
	case "version":
		fmt.Printf("nostrmeet %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", DefaultConfigPath, "Configure File Path (.yaml or .toml)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	_ = fs.Parse(args)

	// A missing default config is fine; an explicitly named one is not.
	optional := *configPath == DefaultConfigPath
	cfg, err := config.LoadConfigOptional(*configPath, optional)
	if err != nil {
		return err
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warnf("config warning: %s", w)
	}

	log.Infof("nostrmeet Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.StartService(ctx, cfg, *configPath)
}

func runKeys(args []string) error {
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("keys "+sub, flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Print as JSON")
	showSecret := fs.Bool("show-secret", false, "Also print the nsec")
	envFile := fs.String("save", "", "Save the secret to this .env file")
	configPath := fs.String("config", DefaultConfigPath, "Configure File Path (.yaml or .toml)")
	_ = fs.Parse(args)

	opts := cmd.KeyOptions{JSON: *jsonOutput, ShowSecret: *showSecret, EnvFile: *envFile}
	switch sub {
	case "generate":
		if opts.EnvFile == "" {
			opts.ShowSecret = true
		}
		return cmd.GenerateKeys(os.Stdout, opts)
	case "import":
		return cmd.ImportKey(os.Stdout, os.Stdin, opts)
	case "show":
		cfg, err := config.LoadConfigOptional(*configPath, *configPath == DefaultConfigPath)
		if err != nil {
			return err
		}
		return cmd.ShowKey(os.Stdout, cfg, *jsonOutput)
	default:
		usage()
		os.Exit(2)
	}
	return nil
}
