package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// execCommand is swapped in tests.
var execCommand = exec.Command

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameSize bounds a single MJPEG frame in the pipe.
const maxFrameSize = 16 * 1024 * 1024

// FFmpegOptions configures an FFmpegDevice.
type FFmpegOptions struct {
	Device      string
	Width       int
	Height      int
	FPS         int
	FFmpegPath  string
	InputFormat string // "v4l2" for cameras; empty lets ffmpeg probe (files, streams)
}

// FFmpegDevice reads MJPEG frames from an ffmpeg child process.
type FFmpegDevice struct {
	opts FFmpegOptions

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	seq     uint64
}

// NewFFmpegDevice creates a device; nothing is started until Open.
func NewFFmpegDevice(opts FFmpegOptions) *FFmpegDevice {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FPS <= 0 {
		opts.FPS = 20
	}
	return &FFmpegDevice{opts: opts}
}

// Path returns the device node or input URL.
func (d *FFmpegDevice) Path() string {
	return d.opts.Device
}

func (d *FFmpegDevice) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if d.opts.InputFormat != "" {
		args = append(args, "-f", d.opts.InputFormat)
	}
	if d.opts.InputFormat == "v4l2" {
		args = append(args, "-framerate", strconv.Itoa(d.opts.FPS))
		if d.opts.Width > 0 && d.opts.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", d.opts.Width, d.opts.Height))
		}
	}
	args = append(args,
		"-i", d.opts.Device,
		"-r", strconv.Itoa(d.opts.FPS),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	return args
}

// Open starts ffmpeg. A missing device node or a failed start yields
// ErrDeviceUnavailable.
func (d *FFmpegDevice) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return nil
	}

	if d.opts.InputFormat == "v4l2" {
		if _, err := os.Stat(d.opts.Device); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, d.opts.Device, err)
		}
	}

	cmd := execCommand(d.opts.FFmpegPath, d.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", ErrDeviceUnavailable, d.opts.FFmpegPath, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameSize)
	scanner.Split(SplitJPEG)

	d.cmd = cmd
	d.stdout = stdout
	d.scanner = scanner
	d.seq = 0

	logging.Component("camera").WithField("device", d.opts.Device).Debug("ffmpeg capture started")
	return nil
}

// Read returns the next JPEG frame from the pipe.
func (d *FFmpegDevice) Read() (Frame, error) {
	d.mu.Lock()
	scanner := d.scanner
	d.mu.Unlock()

	if scanner == nil {
		return Frame{}, ErrDeviceNotOpen
	}

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrEndOfStream, err)
		}
		return Frame{}, ErrEndOfStream
	}

	token := scanner.Bytes()
	data := make([]byte, len(token))
	copy(data, token)

	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	return Frame{
		Data:      data,
		Width:     d.opts.Width,
		Height:    d.opts.Height,
		Format:    "JPEG",
		Timestamp: time.Now(),
		Seq:       seq,
		TraceID:   uuid.NewString(),
	}, nil
}

// Release stops ffmpeg and reaps it. Safe to call more than once.
func (d *FFmpegDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}

	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()

	d.cmd = nil
	d.stdout = nil
	d.scanner = nil

	logging.Component("camera").WithField("device", d.opts.Device).Debug("ffmpeg capture released")
	return nil
}

// SplitJPEG is a bufio.SplitFunc that yields complete JPEG images from an
// MJPEG byte stream, discarding any bytes between frames.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}
