// Package camera provides exclusive access to a local capture device and
// yields JPEG frames from it.
package camera

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"time"
)

// Frame represents a single camera frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "JPEG"
	Timestamp time.Time
	Seq       uint64
	TraceID   string
}

// Clone returns a copy of the frame that shares no memory with f.
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// Device is a frame source that must be opened before reading and released
// afterwards. Implementations need not be safe for concurrent use.
type Device interface {
	// Path identifies the underlying device for exclusive claims.
	Path() string
	Open(ctx context.Context) error
	// Read blocks until the next frame is available. It returns
	// ErrEndOfStream once the source is exhausted.
	Read() (Frame, error)
	Release() error
}

// ErrDeviceUnavailable is returned when the device cannot be opened.
var ErrDeviceUnavailable = errors.New("camera device unavailable")

// ErrDeviceBusy is returned when another capture loop already holds the device.
var ErrDeviceBusy = errors.New("camera device busy")

// ErrEndOfStream is returned by Read when the device stops producing frames.
var ErrEndOfStream = errors.New("end of stream")

// ErrDeviceNotOpen is returned when reading from a device that is not open.
var ErrDeviceNotOpen = errors.New("camera device not open")

// devGlob is where video4linux nodes live.
var devGlob = "/dev/video*"

// ListDevices returns the video device nodes present on this machine.
func ListDevices() []string {
	matches, err := filepath.Glob(devGlob)
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}
