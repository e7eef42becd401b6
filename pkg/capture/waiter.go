package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// Poll interval bounds and the default wait.
const (
	MinPollInterval = 50 * time.Millisecond
	MaxPollInterval = 300 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

// ErrDetectionTimeout is returned when no face appears before the deadline.
var ErrDetectionTimeout = errors.New("detection timeout")

// FrameSource yields the newest captured frame.
type FrameSource interface {
	Latest() (camera.Frame, bool)
}

// Detector is the part of recognition.Detector the waiter needs.
type Detector interface {
	Detect(ctx context.Context, image []byte) (recognition.Detection, error)
}

// stoppable is implemented by sources that can stop producing, like Loop.
type stoppable interface {
	Running() bool
	Err() error
}

// Waiter polls a FrameSource until a frame with at least one face shows up.
type Waiter struct {
	source   FrameSource
	detector Detector
	poll     time.Duration
}

// NewWaiter creates a waiter. The poll interval is clamped to
// [MinPollInterval, MaxPollInterval].
func NewWaiter(source FrameSource, detector Detector, poll time.Duration) *Waiter {
	return &Waiter{source: source, detector: detector, poll: ClampPoll(poll)}
}

// ClampPoll forces d into the allowed poll range.
func ClampPoll(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

type detectResult struct {
	det recognition.Detection
	err error
}

// detect runs one detection in the background. The channel is buffered so
// an abandoned detection can still deliver and exit.
func (w *Waiter) detect(ctx context.Context, data []byte) <-chan detectResult {
	done := make(chan detectResult, 1)
	go func() {
		det, err := w.detector.Detect(ctx, data)
		done <- detectResult{det: det, err: err}
	}()
	return done
}

// AwaitEmbedding returns the detection for the first frame that contains a
// face. It checks immediately and then once per poll interval, skipping
// frames it has already examined. A timeout <= 0 means DefaultTimeout.
// Cancelling ctx ends the wait with ctx.Err(). Neither the deadline nor
// cancellation waits for a detection still in progress; its result is
// discarded.
func (w *Waiter) AwaitEmbedding(ctx context.Context, timeout time.Duration) (recognition.Detection, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := logging.Component("capture")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var lastSeq uint64
	attempts := 0
	expired := func() error {
		return fmt.Errorf("%w: no face within %s (%d frames examined)", ErrDetectionTimeout, timeout, attempts)
	}

	for {
		if err := ctx.Err(); err != nil {
			return recognition.Detection{}, err
		}

		if frame, ok := w.source.Latest(); ok && frame.Seq != lastSeq {
			lastSeq = frame.Seq
			attempts++

			var res detectResult
			select {
			case <-ctx.Done():
				return recognition.Detection{}, ctx.Err()
			case <-deadline.C:
				return recognition.Detection{}, expired()
			case res = <-w.detect(ctx, frame.Data):
			}

			switch {
			case res.err != nil && ctx.Err() != nil:
				return recognition.Detection{}, ctx.Err()
			case res.err != nil:
				log.WithError(res.err).WithField("trace_id", frame.TraceID).Warn("detection failed, retrying")
			case !res.det.Empty():
				log.WithFields(logging.Fields{
					"faces":    len(res.det.Faces),
					"attempts": attempts,
					"trace_id": frame.TraceID,
				}).Debug("face acquired")
				return res.det, nil
			}
		} else if src, ok := w.source.(stoppable); ok && !src.Running() {
			if err := src.Err(); err != nil {
				return recognition.Detection{}, fmt.Errorf("%w: %v", ErrLoopNotRunning, err)
			}
			return recognition.Detection{}, ErrLoopNotRunning
		}

		select {
		case <-ctx.Done():
			return recognition.Detection{}, ctx.Err()
		case <-deadline.C:
			return recognition.Detection{}, expired()
		case <-ticker.C:
		}
	}
}
