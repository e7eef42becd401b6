package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/camera"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Current Configuration:")
		fmt.Println("======================")
		fmt.Println()
		fmt.Println("[Camera]")
		fmt.Printf("  Device:          %s\n", cfg.Camera.Device)
		fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
		fmt.Printf("  Capture Every:   %s\n", cfg.CaptureInterval())
		if devices := camera.ListDevices(); len(devices) > 0 {
			fmt.Printf("  Detected:        %s\n", strings.Join(devices, ", "))
		}
		fmt.Println()
		fmt.Println("[Recognition]")
		fmt.Printf("  Backend:         %s\n", cfg.Recognition.Backend)
		fmt.Printf("  Threshold:       %.2f\n", cfg.Recognition.Threshold)
		fmt.Printf("  Embedding Dim:   %d\n", cfg.Recognition.EmbeddingDim)
		fmt.Printf("  Model Path:      %s\n", cfg.Recognition.ModelPath)
		fmt.Printf("  Best Match Only: %t\n", cfg.Recognition.BestMatchOnly)
		fmt.Println()
		fmt.Println("[Session]")
		fmt.Printf("  Timeout:         %s\n", cfg.SessionTimeout())
		fmt.Printf("  Poll Interval:   %s\n", cfg.PollInterval())
		fmt.Printf("  Kiosk Cooldown:  %s\n", cfg.KioskCooldown())
		fmt.Println()
		fmt.Println("[Storage]")
		fmt.Printf("  Driver:          %s\n", cfg.Storage.Driver)
		fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
		fmt.Printf("  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
		if cfg.Storage.DatabaseURL != "" {
			fmt.Printf("  Database:        %s\n", redactURL(cfg.Storage.DatabaseURL))
		}
		fmt.Println()
		fmt.Println("[Attendance]")
		fmt.Printf("  Timezone:        %s\n", cfg.Attendance.Timezone)
		fmt.Println()
		fmt.Println("[Logging]")
		fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
		fmt.Printf("  File:            %s\n", cfg.Logging.File)
	},
}

// redactURL hides the password in a database URL or DSN.
func redactURL(u string) string {
	at := strings.LastIndex(u, "@")
	if at < 0 {
		return u
	}
	creds := u[:at]
	start := strings.LastIndex(creds, "//") + 2
	if start < 2 {
		start = 0
	}
	colon := strings.Index(creds[start:], ":")
	if colon < 0 {
		return u
	}
	return creds[:start+colon+1] + "****" + u[at:]
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Args:  cobra.NoArgs,
	// Skip config loading so version works without a valid config.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rollcall %s\n", Version)
		fmt.Printf("  Commit: %s\n", CommitSHA)
		fmt.Printf("  Built:  %s\n", BuildDate)
		fmt.Printf("  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(configCmd, versionCmd)
}
