// Package pipeline ties capture, recognition and attendance together into
// the sessions the CLI, kiosk and HTTP adapter run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/rollcall/pkg/attendance"
	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// Source selects where a face comes from: a still image when ImagePath or
// Image is set, the live camera otherwise.
type Source struct {
	ImagePath string
	Image     []byte
}

// Still reports whether s names a still image.
func (s Source) Still() bool {
	return s.ImagePath != "" || len(s.Image) > 0
}

func (s Source) String() string {
	switch {
	case s.ImagePath != "":
		return s.ImagePath
	case len(s.Image) > 0:
		return "upload"
	default:
		return "camera"
	}
}

// Result is the outcome of one mark session.
type Result struct {
	SessionID  string                   `json:"session_id"`
	Recognized []attendance.Recognition `json:"recognized"`
	Duration   time.Duration            `json:"duration"`
}

// Pipeline runs enrollment, marking and query sessions.
type Pipeline struct {
	cfg       *config.Config
	store     storage.Store
	detector  recognition.Detector
	engine    *attendance.Engine
	registrar *attendance.Registrar
	newDevice func() camera.Device

	timeout  time.Duration
	poll     time.Duration
	interval time.Duration
	cooldown time.Duration
}

// New builds a pipeline from configuration: it opens the store and starts
// the detection backend.
func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	detector, err := recognition.NewDetector(recognition.Options{
		Backend:        recognition.Backend(cfg.Recognition.Backend),
		ModelPath:      cfg.Recognition.ModelPath,
		SidecarCommand: cfg.Recognition.SidecarCommand,
		EmbeddingDim:   cfg.Recognition.EmbeddingDim,
		MaxFaces:       cfg.Recognition.MaxFaces,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to start detector: %w", err)
	}

	newDevice := func() camera.Device {
		return camera.NewFFmpegDevice(camera.FFmpegOptions{
			Device:      cfg.Camera.Device,
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			FPS:         cfg.Camera.FPS,
			FFmpegPath:  cfg.Camera.FFmpegPath,
			InputFormat: cfg.Camera.InputFormat,
		})
	}

	p, err := NewWithParts(cfg, store, detector, newDevice)
	if err != nil {
		_ = detector.Close()
		_ = store.Close()
		return nil, err
	}
	return p, nil
}

// NewWithParts builds a pipeline around an existing store, detector and
// camera factory. The pipeline owns store and detector from here on.
func NewWithParts(cfg *config.Config, store storage.Store, detector recognition.Detector, newDevice func() camera.Device) (*Pipeline, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid attendance timezone: %w", err)
	}

	return &Pipeline{
		cfg:      cfg,
		store:    store,
		detector: detector,
		engine: attendance.NewEngine(store,
			attendance.WithLocation(loc),
			attendance.WithThreshold(cfg.Recognition.Threshold),
			attendance.WithBestMatchOnly(cfg.Recognition.BestMatchOnly),
		),
		registrar: attendance.NewRegistrar(store),
		newDevice: newDevice,
		timeout:   cfg.SessionTimeout(),
		poll:      cfg.PollInterval(),
		interval:  cfg.CaptureInterval(),
		cooldown:  cfg.KioskCooldown(),
	}, nil
}

// Engine exposes the attendance engine.
func (p *Pipeline) Engine() *attendance.Engine {
	return p.engine
}

// Close releases the detector and the store.
func (p *Pipeline) Close() error {
	var firstErr error
	if p.detector != nil {
		if err := p.detector.Close(); err != nil {
			firstErr = err
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Acquire returns a detection holding at least one face. Still images are
// detected once; the live camera is polled until a face appears or the
// session timeout passes. The camera is released before Acquire returns.
func (p *Pipeline) Acquire(ctx context.Context, src Source) (recognition.Detection, error) {
	if src.Still() {
		return p.acquireStill(ctx, src)
	}
	return p.acquireLive(ctx)
}

func (p *Pipeline) acquireStill(ctx context.Context, src Source) (recognition.Detection, error) {
	var (
		img []byte
		err error
	)
	if src.ImagePath != "" {
		img, err = recognition.LoadImage(src.ImagePath)
	} else {
		img, err = recognition.NormalizeImage(src.Image)
	}
	if err != nil {
		return recognition.Detection{}, Classify(err)
	}

	det, err := p.detector.Detect(ctx, img)
	if err != nil {
		return recognition.Detection{}, Classify(err)
	}
	if det.Empty() {
		return recognition.Detection{}, NewSessionError(ErrCodeNoFace, true, recognition.ErrNoFaceDetected)
	}
	return det, nil
}

func (p *Pipeline) acquireLive(ctx context.Context) (recognition.Detection, error) {
	loop := capture.NewLoop(p.newDevice(), capture.NewSlot(), p.interval)
	if err := loop.Start(ctx); err != nil {
		return recognition.Detection{}, Classify(err)
	}
	defer func() {
		if err := loop.Stop(); err != nil {
			logging.Component("pipeline").WithError(err).Warn("camera release failed")
		}
	}()

	det, err := capture.NewWaiter(loop, p.detector, p.poll).AwaitEmbedding(ctx, p.timeout)
	if err != nil {
		return recognition.Detection{}, Classify(err)
	}
	return det, nil
}

// Enroll registers name with the first face found in src. Duplicate names
// are rejected before the camera is opened.
func (p *Pipeline) Enroll(ctx context.Context, name string, src Source) (*storage.User, error) {
	if err := p.registrar.CheckAvailable(ctx, name); err != nil {
		return nil, Classify(err)
	}

	det, err := p.Acquire(ctx, src)
	if err != nil {
		return nil, err
	}

	user, err := p.registrar.Register(ctx, name, det.Embeddings[:1])
	if err != nil {
		return nil, Classify(err)
	}
	return user, nil
}

// AddFace appends the first face found in src to an enrolled user.
func (p *Pipeline) AddFace(ctx context.Context, name string, src Source) (*storage.User, error) {
	if _, err := p.store.FindUserByName(ctx, name); err != nil {
		return nil, Classify(err)
	}

	det, err := p.Acquire(ctx, src)
	if err != nil {
		return nil, err
	}

	user, err := p.registrar.AddEmbeddings(ctx, name, det.Embeddings[:1])
	if err != nil {
		return nil, Classify(err)
	}
	return user, nil
}

// Mark acquires a face and marks every absent user it matches. Live
// sessions scan today's absentees; still images are matched against every
// enrolled user, already-present users included. If the store fails after
// some users were marked, Mark returns those users together with the error.
func (p *Pipeline) Mark(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()
	sessionID := uuid.NewString()
	log := logging.Component("pipeline").WithFields(logging.Fields{"session_id": sessionID, "source": src.String()})

	scope := attendance.ScopeAbsentees
	if src.Still() {
		scope = attendance.ScopeAll
	}
	rc, err := p.engine.NewRollCall(ctx, scope)
	if err != nil {
		return nil, Classify(err)
	}

	det, err := p.Acquire(ctx, src)
	if err != nil {
		log.WithError(err).Info("no face acquired")
		return nil, err
	}

	recognized, err := rc.Match(ctx, det.Embeddings[0])
	result := &Result{SessionID: sessionID, Recognized: recognized, Duration: time.Since(start)}
	if err != nil {
		names := make([]string, len(recognized))
		for i, r := range recognized {
			names[i] = r.Name
		}
		log.WithError(err).WithField("marked", names).Error("marking failed")
		if len(recognized) == 0 {
			return nil, Classify(err)
		}
		return result, Classify(err)
	}

	if len(recognized) == 0 {
		log.Info("face not recognized")
		se := NewSessionError(ErrCodeNotRecognized, true, nil)
		se.Details["session_id"] = sessionID
		return nil, se
	}

	log.WithFields(logging.Fields{"recognized": len(recognized), "duration": result.Duration}).Info("Session complete")
	return result, nil
}

// Compare reports the similarity of the first faces in a and b and
// whether it passes the match threshold.
func (p *Pipeline) Compare(ctx context.Context, a, b Source) (float64, bool, error) {
	detA, err := p.Acquire(ctx, a)
	if err != nil {
		return 0, false, err
	}
	detB, err := p.Acquire(ctx, b)
	if err != nil {
		return 0, false, err
	}
	ok, sim := recognition.Match(detA.Embeddings[0], detB.Embeddings[0], p.engine.Threshold())
	return sim, ok, nil
}

// Identify returns the k enrolled users most similar to the face in src.
// It never marks attendance.
func (p *Pipeline) Identify(ctx context.Context, src Source, k int) ([]recognition.Neighbor, error) {
	users, err := p.engine.Users(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	if len(users) == 0 {
		return nil, NewSessionError(ErrCodeNotEnrolled, false, nil)
	}

	gallery := recognition.NewGallery()
	log := logging.Component("pipeline")
	for _, u := range users {
		embeddings, err := recognition.DecodeEmbeddings(u.Embeddings)
		if err != nil {
			log.WithError(err).WithField("user", u.Name).Warn("skipping user with undecodable embeddings")
			continue
		}
		if err := gallery.Add(u.ID, u.Name, embeddings); err != nil {
			log.WithError(err).WithField("user", u.Name).Warn("skipping user")
		}
	}

	det, err := p.Acquire(ctx, src)
	if err != nil {
		return nil, err
	}
	return gallery.Nearest(det.Embeddings[0], k), nil
}

// Present lists users marked present today.
func (p *Pipeline) Present(ctx context.Context) ([]storage.User, error) {
	return p.engine.Present(ctx)
}

// Absent lists users not yet marked today.
func (p *Pipeline) Absent(ctx context.Context) ([]storage.User, error) {
	return p.engine.Absentees(ctx)
}

// Users lists every enrolled user.
func (p *Pipeline) Users(ctx context.Context) ([]storage.User, error) {
	return p.engine.Users(ctx)
}
