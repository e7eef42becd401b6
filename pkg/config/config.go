// Package config provides configuration management for rollcall.
// It loads configuration from YAML files with sensible defaults and lets
// a .env file or the environment override deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all rollcall configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Session     SessionConfig     `yaml:"session"`
	Storage     StorageConfig     `yaml:"storage"`
	Attendance  AttendanceConfig  `yaml:"attendance"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds camera settings.
type CameraConfig struct {
	Device            string `yaml:"device"`
	Width             int    `yaml:"width"`
	Height            int    `yaml:"height"`
	FPS               int    `yaml:"fps"`
	FFmpegPath        string `yaml:"ffmpeg_path"`
	InputFormat       string `yaml:"input_format"`
	CaptureIntervalMS int    `yaml:"capture_interval_ms"`
}

// RecognitionConfig holds face detection and matching settings.
type RecognitionConfig struct {
	Backend        string   `yaml:"backend"`
	Threshold      float64  `yaml:"threshold"`
	EmbeddingDim   int      `yaml:"embedding_dim"` // 0: backend native (dlib 128, sidecar 512)
	ModelPath      string   `yaml:"model_path"`
	SidecarCommand []string `yaml:"sidecar_command"`
	BestMatchOnly  bool     `yaml:"best_match_only"`
	MaxFaces       int      `yaml:"max_faces"`
}

// SessionConfig bounds face acquisition.
type SessionConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	PollIntervalMS       int `yaml:"poll_interval_ms"`
	KioskCooldownSeconds int `yaml:"kiosk_cooldown_seconds"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Driver            string `yaml:"driver"`
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	DatabaseURL       string `yaml:"database_url"`
	MaxOpenConns      int    `yaml:"max_open_conns"`
}

// AttendanceConfig holds attendance-day settings.
type AttendanceConfig struct {
	Timezone string `yaml:"timezone"`
}

// ServerConfig holds HTTP adapter settings.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// Storage drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Recognition backends.
const (
	BackendAuto    = "auto"
	BackendDlib    = "dlib"
	BackendSidecar = "sidecar"
)

// dlibDim is the descriptor size of the dlib ResNet model.
const dlibDim = 128

// Environment variables consulted by ApplyEnv.
const (
	EnvDatabaseURL   = "ROLLCALL_DATABASE_URL"
	EnvStorageDriver = "ROLLCALL_STORAGE_DRIVER"
	EnvLogLevel      = "ROLLCALL_LOG_LEVEL"
	EnvCameraDevice  = "ROLLCALL_CAMERA_DEVICE"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Camera: CameraConfig{
			Device:            "/dev/video0",
			Width:             640,
			Height:            480,
			FPS:               20,
			FFmpegPath:        "ffmpeg",
			InputFormat:       "v4l2",
			CaptureIntervalMS: 50,
		},
		Recognition: RecognitionConfig{
			Backend:   BackendAuto,
			Threshold: 0.7,
			ModelPath: filepath.Join(homeDir, ".local/share/rollcall/models"),
		},
		Session: SessionConfig{
			TimeoutSeconds:       5,
			PollIntervalMS:       300,
			KioskCooldownSeconds: 3,
		},
		Storage: StorageConfig{
			Driver:            DriverFile,
			DataDir:           filepath.Join(homeDir, ".local/share/rollcall"),
			EncryptionEnabled: true,
			MaxOpenConns:      5,
		},
		Attendance: AttendanceConfig{
			Timezone: "Local",
		},
		Server: ServerConfig{
			Listen:      "127.0.0.1:8080",
			MaxUploadMB: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(homeDir, ".local/share/rollcall/rollcall.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file on top of the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/rollcall/rollcall.yaml"); err == nil {
		return Load("/etc/rollcall/rollcall.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/rollcall/rollcall.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// LoadEnv reads .env files into the process environment. Missing files are
// not an error; variables already set are left alone.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto the configuration.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv(EnvStorageDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvCameraDevice); v != "" {
		c.Camera.Device = v
	}
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}
	if c.Camera.CaptureIntervalMS <= 0 {
		return fmt.Errorf("capture_interval_ms must be positive, got %d", c.Camera.CaptureIntervalMS)
	}

	validBackends := map[string]bool{BackendAuto: true, BackendDlib: true, BackendSidecar: true}
	if !validBackends[c.Recognition.Backend] {
		return fmt.Errorf("invalid recognition backend: %s (must be auto, dlib, or sidecar)", c.Recognition.Backend)
	}
	if c.Recognition.Backend == BackendSidecar && len(c.Recognition.SidecarCommand) == 0 {
		return fmt.Errorf("sidecar backend requires sidecar_command")
	}
	if c.Recognition.Threshold < -1 || c.Recognition.Threshold > 1 {
		return fmt.Errorf("threshold must be between -1 and 1, got %f", c.Recognition.Threshold)
	}
	if c.Recognition.EmbeddingDim < 0 {
		return fmt.Errorf("embedding_dim must not be negative, got %d", c.Recognition.EmbeddingDim)
	}
	if c.Recognition.Backend == BackendDlib && c.Recognition.EmbeddingDim != 0 && c.Recognition.EmbeddingDim != dlibDim {
		return fmt.Errorf("dlib backend produces %d-dim embeddings, embedding_dim is %d", dlibDim, c.Recognition.EmbeddingDim)
	}

	if c.Session.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.Session.TimeoutSeconds)
	}
	if c.Session.PollIntervalMS < 50 || c.Session.PollIntervalMS > 300 {
		return fmt.Errorf("poll_interval_ms must be between 50 and 300, got %d", c.Session.PollIntervalMS)
	}
	if c.Session.KioskCooldownSeconds < 0 {
		return fmt.Errorf("kiosk_cooldown_seconds must not be negative, got %d", c.Session.KioskCooldownSeconds)
	}

	switch c.Storage.Driver {
	case DriverFile:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("file storage requires data_dir")
		}
	case DriverPostgres, DriverMySQL:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%s storage requires database_url (or %s)", c.Storage.Driver, EnvDatabaseURL)
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be file, postgres, or mysql)", c.Storage.Driver)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid attendance timezone %q: %w", c.Attendance.Timezone, err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Device = ExpandPath(c.Camera.Device)
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the directories the file store and logger need.
func (c *Config) EnsureDirectories() error {
	if c.Storage.Driver == DriverFile {
		if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// Location resolves the attendance timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Attendance.Timezone == "" || c.Attendance.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Attendance.Timezone)
}

// CaptureInterval returns the capture loop tick.
func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.Camera.CaptureIntervalMS) * time.Millisecond
}

// PollInterval returns the waiter poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Session.PollIntervalMS) * time.Millisecond
}

// SessionTimeout returns the face acquisition timeout.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSeconds) * time.Second
}

// KioskCooldown returns the pause after a successful kiosk mark.
func (c *Config) KioskCooldown() time.Duration {
	return time.Duration(c.Session.KioskCooldownSeconds) * time.Second
}
