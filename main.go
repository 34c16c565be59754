package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loftmedia/autolog/internal"
	"github.com/loftmedia/autolog/pkg/logger"
	homedir "github.com/mitchellh/go-homedir"
)

var log = logger.Get("Main")

// main is the entry point to the program. It loads the users autolog
// configuration, constructs the controller, and runs it until the
// engine goes quiescent or the process is interrupted.
func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.VERBOSE.Level())
	}

	config := internal.AutologConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Fatalf("Failed to load configuration from %s: %s\n", *configPath, err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Fatalf("Autolog stopped due to error: %s\n", err.Error())
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "autolog.yaml"
	}

	return filepath.Join(home, ".config", "autolog", "config.yaml")
}
