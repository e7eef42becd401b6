package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// DefaultInterval is the capture tick used when none is configured.
const DefaultInterval = 50 * time.Millisecond

// stopGrace bounds how long Stop waits for the reader before forcing the
// device closed underneath it.
var stopGrace = 2 * time.Second

// ErrLoopNotRunning is returned when frames are requested from a loop that
// has stopped.
var ErrLoopNotRunning = errors.New("capture loop not running")

// Stats describes a capture loop.
type Stats struct {
	Running    bool
	Frames     uint64
	ReadErrors uint64
	Dropped    uint64
	LastFrame  time.Time
}

// run is the state of one Start..Stop cycle.
type run struct {
	cancel     context.CancelFunc
	done       chan struct{}
	unclaim    func()
	releaseErr error
}

// Loop owns a camera device for its lifetime and keeps publishing the
// newest frame into a Slot until stopped.
type Loop struct {
	dev      camera.Device
	slot     *Slot
	interval time.Duration

	mu     sync.Mutex
	active *run
	err    error

	frames     atomic.Uint64
	readErrors atomic.Uint64
	lastFrame  atomic.Int64
}

// NewLoop creates a loop reading dev into slot every interval.
func NewLoop(dev camera.Device, slot *Slot, interval time.Duration) *Loop {
	if slot == nil {
		slot = NewSlot()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{dev: dev, slot: slot, interval: interval}
}

// Start claims and opens the device and spawns the reader. It fails with
// camera.ErrDeviceBusy if the device is already held, including by this
// loop, and with camera.ErrDeviceUnavailable if it cannot be opened.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil {
		select {
		case <-l.active.done:
			// Ended on its own; finish the cleanup before restarting.
			l.active.unclaim()
			l.active = nil
		default:
			return fmt.Errorf("%w: %s", camera.ErrDeviceBusy, l.dev.Path())
		}
	}

	unclaim, err := camera.Claim(l.dev.Path())
	if err != nil {
		return err
	}

	if err := l.dev.Open(ctx); err != nil {
		unclaim()
		if errors.Is(err, camera.ErrDeviceUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{}), unclaim: unclaim}
	l.active = r
	l.err = nil
	l.slot.Reset()

	logging.Component("capture").WithField("device", l.dev.Path()).Info("Capture loop started")

	go l.read(runCtx, r)
	return nil
}

func (l *Loop) read(ctx context.Context, r *run) {
	log := logging.Component("capture").WithField("device", l.dev.Path())

	defer close(r.done)
	defer r.unclaim()
	defer func() {
		r.releaseErr = l.dev.Release()
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		frame, err := l.dev.Read()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			seq := l.slot.Publish(frame)
			l.frames.Add(1)
			l.lastFrame.Store(time.Now().UnixNano())
			log.WithField("seq", seq).Debug("frame published")
		case errors.Is(err, camera.ErrEndOfStream):
			log.Info("End of stream, capture loop stopping")
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			return
		default:
			l.readErrors.Add(1)
			log.WithError(err).Warn("frame read failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the reader, waits for it and releases the device. If the
// reader is stuck in a blocking read past the grace period the device is
// released underneath it. Calling Stop on a stopped loop is a no-op.
func (l *Loop) Stop() error {
	l.mu.Lock()
	r := l.active
	l.active = nil
	l.mu.Unlock()

	if r == nil {
		return nil
	}

	log := logging.Component("capture").WithField("device", l.dev.Path())
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(stopGrace):
		log.Warn("Capture loop did not stop in time, forcing device release")
		if err := l.dev.Release(); err != nil {
			log.WithError(err).Error("forced release failed")
		}
		<-r.done
	}
	r.unclaim()

	log.WithFields(logging.Fields{
		"frames":  l.frames.Load(),
		"dropped": l.slot.Stats().Dropped,
		"errors":  l.readErrors.Load(),
	}).Info("Capture loop stopped")

	if r.releaseErr != nil {
		return fmt.Errorf("failed to release device: %w", r.releaseErr)
	}
	return nil
}

// Running reports whether the reader goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == nil {
		return false
	}
	select {
	case <-l.active.done:
		return false
	default:
		return true
	}
}

// Err returns the error that ended the loop, such as camera.ErrEndOfStream.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Latest returns a copy of the newest captured frame.
func (l *Loop) Latest() (camera.Frame, bool) {
	return l.slot.Latest()
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	st := Stats{
		Running:    l.Running(),
		Frames:     l.frames.Load(),
		ReadErrors: l.readErrors.Load(),
		Dropped:    l.slot.Stats().Dropped,
	}
	if ns := l.lastFrame.Load(); ns != 0 {
		st.LastFrame = time.Unix(0, ns)
	}
	return st
}
