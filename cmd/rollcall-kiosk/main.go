package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
)

const version = "0.1.0"

// Exit codes:
//
//	0 = stopped by signal
//	1 = kiosk failed while running
//	2 = camera unavailable or busy
//	3 = configuration or startup error
const (
	exitOK     = 0
	exitFailed = 1
	exitCamera = 2
	exitSystem = 3
)

type kiosk interface {
	RunKiosk(ctx context.Context, onResult func(pipeline.Result)) error
	Close() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rollcall kiosk: Configuration error: %v\n", err)
		os.Exit(exitSystem)
	}

	logging.Infof("Rollcall kiosk v%s starting on %s", version, cfg.Camera.Device)

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Rollcall kiosk: %v\n", err)
		os.Exit(exitSystem)
	}
	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		logging.Errorf("Failed to initialize pipeline: %v", err)
		fmt.Fprintln(os.Stderr, "Rollcall kiosk: Initialization error")
		os.Exit(exitSystem)
	}

	os.Exit(run(ctx, p, os.Stdout))
}

// loadConfig reads the file named by ROLLCALL_CONFIG, or the default
// locations, and sets up logging.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}

	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("ROLLCALL_CONFIG"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.ExpandPaths()

	if err := logging.Init(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "Rollcall kiosk: Could not initialize file logging: %v\n", err)
	}
	return cfg, cfg.Validate()
}

// run drives the kiosk until ctx ends and prints one line per recognised
// person to out.
func run(ctx context.Context, k kiosk, out io.Writer) int {
	defer k.Close()

	fmt.Fprintln(out, "Rollcall kiosk: look at the camera to check in. Ctrl+C to stop.")
	err := k.RunKiosk(ctx, func(res pipeline.Result) {
		names := make([]string, 0, len(res.Recognized))
		for _, r := range res.Recognized {
			if r.Marked {
				names = append(names, r.Name)
			}
		}
		if len(names) > 0 {
			fmt.Fprintf(out, "Welcome, %s\n", strings.Join(names, ", "))
		}
	})

	code := exitCodeFor(err)
	switch code {
	case exitOK:
		logging.Infof("Rollcall kiosk stopped")
	case exitCamera:
		fmt.Fprintf(os.Stderr, "Rollcall kiosk: Camera error: %v\n", err)
	default:
		logging.Errorf("Kiosk failed: %v", err)
		fmt.Fprintf(os.Stderr, "Rollcall kiosk: %v\n", err)
	}
	return code
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var se *pipeline.SessionError
	if errors.As(err, &se) {
		switch se.Code {
		case pipeline.ErrCodeCancelled:
			return exitOK
		case pipeline.ErrCodeDeviceUnavailable, pipeline.ErrCodeDeviceBusy:
			return exitCamera
		}
	}
	return exitFailed
}
