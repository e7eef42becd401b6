package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		want    logrus.Level
		wantErr bool
	}{
		{name: "debug level", opts: Options{Level: "debug"}, want: logrus.DebugLevel},
		{name: "warn level", opts: Options{Level: "warn"}, want: logrus.WarnLevel},
		{name: "unknown level defaults to info", opts: Options{Level: "loud"}, want: logrus.InfoLevel},
		{name: "json format", opts: Options{Level: "error", Format: "json"}, want: logrus.ErrorLevel},
		{name: "bad format", opts: Options{Level: "info", Format: "xml"}, want: logrus.InfoLevel, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = logrus.New()
			err := Init(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
			if Logger.GetLevel() != tt.want {
				t.Errorf("expected level %v, got %v", tt.want, Logger.GetLevel())
			}
		})
	}
}

func TestInit_CreatesNestedLogFile(t *testing.T) {
	Logger = logrus.New()
	logFile := filepath.Join(t.TempDir(), "nested", "dir", "rollcall.log")

	if err := Init(Options{Level: "info", File: logFile}); err != nil {
		t.Fatalf("Init with log file failed: %v", err)
	}
	Infof("hello %s", "file")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not readable: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing message, got %q", string(data))
	}
}

func TestComponent(t *testing.T) {
	Logger = logrus.New()
	var buf bytes.Buffer
	if err := Init(Options{Level: "debug", Format: "json"}); err != nil {
		t.Fatal(err)
	}
	SetOutput(&buf)

	Component("capture").WithField("seq", 7).Debug("frame published")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "capture" {
		t.Errorf("expected component=capture, got %v", entry["component"])
	}
	if entry["msg"] != "frame published" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	Logger = logrus.New()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("warn")

	Debugf("hidden")
	Infof("also hidden")
	Warnf("visible %d", 1)
	WithError(os.ErrNotExist).Error("failed")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below warn should be filtered: %q", out)
	}
	if !strings.Contains(out, "visible 1") || !strings.Contains(out, "file does not exist") {
		t.Errorf("expected warn and error output, got %q", out)
	}
}
