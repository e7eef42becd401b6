package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
)

// Build metadata, set by -ldflags at compile time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

var (
	cfg        *config.Config
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Face recognition attendance",
	Long: `Rollcall enrolls people from a camera or still images and marks them
present once per day when it recognises their face.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	os.Exit(execute())
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		logging.WithError(err).Debug("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps command errors onto process exit codes: 0 success,
// 2 camera unavailable or busy, 130 interrupted, 1 anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *pipeline.SessionError
	if !errors.As(err, &se) {
		return 1
	}
	switch se.Code {
	case pipeline.ErrCodeDeviceUnavailable, pipeline.ErrCodeDeviceBusy:
		return 2
	case pipeline.ErrCodeCancelled:
		return 130
	default:
		return 1
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	// .env is optional
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	if err := logging.Init(logging.Options{Level: logLevel, File: cfg.Logging.File, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Debugf("rollcall %s starting, storage driver: %s", Version, cfg.Storage.Driver)
	return nil
}

// openPipeline builds the pipeline for commands that need the store and
// the detector.
func openPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return pipeline.New(ctx, cfg)
}
