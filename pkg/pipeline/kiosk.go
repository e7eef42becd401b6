package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/rollcall/pkg/attendance"
	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// RunKiosk runs a continuous roll call on the live camera until ctx is
// cancelled. One capture loop holds the camera for the whole run. Each
// round waits for a face and scans today's absentees; detection timeouts
// only start the next round. onResult, if set, is called after every round
// that marked someone, with only the users that round marked. RunKiosk
// returns nil on cancellation.
func (p *Pipeline) RunKiosk(ctx context.Context, onResult func(Result)) error {
	log := logging.Component("kiosk")

	loop := capture.NewLoop(p.newDevice(), capture.NewSlot(), p.interval)
	if err := loop.Start(ctx); err != nil {
		return Classify(err)
	}
	defer func() {
		if err := loop.Stop(); err != nil {
			log.WithError(err).Warn("camera release failed")
		}
	}()

	rc, err := p.engine.NewRollCall(ctx, attendance.ScopeAbsentees)
	if err != nil {
		return Classify(err)
	}
	waiter := capture.NewWaiter(loop, p.detector, p.poll)

	log.WithField("absent", rc.Remaining()).Info("Kiosk started")
	for {
		start := time.Now()
		det, err := waiter.AwaitEmbedding(ctx, p.timeout)
		switch {
		case ctx.Err() != nil:
			log.Info("Kiosk stopped")
			return nil
		case errors.Is(err, capture.ErrDetectionTimeout):
			log.Debug("no face this round")
			continue
		case err != nil:
			return Classify(err)
		}

		recognized, err := rc.Match(ctx, det.Embeddings[0])
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed mark leaves the user on the roster for the next round.
			log.WithError(err).Error("marking failed")
		}

		pause := p.poll
		if len(recognized) > 0 {
			pause = p.cooldown
		}

		var marked []attendance.Recognition
		for _, r := range recognized {
			entry := log.WithFields(logging.Fields{"user": r.Name, "similarity": r.Similarity})
			if !r.Marked {
				// Another session marked them after the roster was loaded.
				entry.Info("Already present")
				continue
			}
			entry.Info("Marked present")
			marked = append(marked, r)
		}
		if len(marked) > 0 && onResult != nil {
			onResult(Result{SessionID: uuid.NewString(), Recognized: marked, Duration: time.Since(start)})
		}

		select {
		case <-ctx.Done():
			log.Info("Kiosk stopped")
			return nil
		case <-time.After(pause):
		}
	}
}
