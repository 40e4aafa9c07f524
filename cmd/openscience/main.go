// Package main provides the openscience CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AGIHouse/openscience"
	"github.com/AGIHouse/openscience/config"
	"github.com/AGIHouse/openscience/model"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	// humanOutput controls whether to use human-readable output
	humanOutput bool
	configPath  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitCodeOf(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "openscience",
	Short: "Scientific paper corpus and embedding retrieval engine",
	Long: `openscience stores scientific papers, their passages and citation
edges, and answers nearest-neighbour searches over passage embeddings
in one or more embedding schemes.

All commands output JSON by default. Use --human for readable output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("OPENSCIENCE_CONFIG"), "Path to the YAML config file")
	rootCmd.Version = Version
}

// mustLoadConfig loads configuration, exits on error.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitWithError(ExitConfigError, "loading config: %v", err)
	}
	return cfg
}

// mustOpenEngine opens the engine described by the config and recovers its indexes.
// The caller is responsible for calling Close.
func mustOpenEngine(ctx context.Context, optFns ...openscience.Option) (*openscience.Engine, *config.Config) {
	cfg := mustLoadConfig()
	e, err := openscience.Open(ctx, cfg, optFns...)
	if err != nil {
		exitWithError(exitCodeOf(err), "opening engine: %v", err)
	}
	return e, cfg
}

func closeEngine(ctx context.Context, e *openscience.Engine) {
	if err := e.Close(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing engine: %v\n", err)
	}
}

func exitCodeOf(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrDimensionMismatch):
		return ExitDataError
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrUnknownScheme):
		return ExitNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrAlreadyExists):
		return ExitConflict
	default:
		return ExitError
	}
}
