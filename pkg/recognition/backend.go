package recognition

import (
	"context"
	"fmt"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Backend names a detection backend.
type Backend string

const (
	// BackendAuto prefers the sidecar when configured, then dlib.
	BackendAuto Backend = "auto"
	// BackendDlib uses go-face with the dlib models.
	BackendDlib Backend = "dlib"
	// BackendSidecar runs an external model process.
	BackendSidecar Backend = "sidecar"
)

// SidecarDim is the embedding size assumed for the sidecar model when none
// is configured.
const SidecarDim = 512

// Options selects and configures a backend. EmbeddingDim 0 means the
// backend's native size.
type Options struct {
	Backend        Backend
	ModelPath      string
	SidecarCommand []string
	EmbeddingDim   int
	MaxFaces       int
}

// startSidecar is swapped in tests.
var startSidecar = func(argv []string) (Detector, error) {
	return StartSidecar(argv)
}

// SelectBackend resolves BackendAuto against what is installed.
func SelectBackend(opts Options) (Backend, error) {
	switch opts.Backend {
	case BackendSidecar, BackendDlib:
		return opts.Backend, nil
	case BackendAuto, "":
		if len(opts.SidecarCommand) > 0 {
			return BackendSidecar, nil
		}
		if DlibModelsPresent(opts.ModelPath) {
			return BackendDlib, nil
		}
		return "", fmt.Errorf("%w: no sidecar command configured and no dlib models in %s", ErrBackendUnavailable, opts.ModelPath)
	default:
		return "", fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, opts.Backend)
	}
}

// NewDetector starts the configured backend and wraps it in a DimensionGuard.
func NewDetector(opts Options) (Detector, error) {
	backend, err := SelectBackend(opts)
	if err != nil {
		return nil, err
	}

	var det Detector
	dim := opts.EmbeddingDim
	switch backend {
	case BackendSidecar:
		if dim == 0 {
			dim = SidecarDim
		}
		det, err = startSidecar(opts.SidecarCommand)
		if err != nil {
			return nil, err
		}
	case BackendDlib:
		if dim == 0 {
			dim = DlibDim
		}
		if dim != DlibDim {
			return nil, fmt.Errorf("%w: dlib produces %d-dim embeddings but embedding_dim is %d",
				ErrDimensionMismatch, DlibDim, opts.EmbeddingDim)
		}
		dlib := NewDlibDetector()
		if err := dlib.LoadModels(opts.ModelPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		det = dlib
	}

	logging.Component("recognition").WithFields(logging.Fields{
		"backend": string(backend),
		"dim":     dim,
	}).Info("Detection backend ready")
	return &DimensionGuard{Detector: det, Dim: dim, MaxFaces: opts.MaxFaces}, nil
}

// DimensionGuard drops detections whose embeddings do not have the
// expected size and optionally caps the number of faces per image.
type DimensionGuard struct {
	Detector
	Dim      int
	MaxFaces int
}

// Detect runs the wrapped detector and validates its output.
func (g *DimensionGuard) Detect(ctx context.Context, image []byte) (Detection, error) {
	det, err := g.Detector.Detect(ctx, image)
	if err != nil || det.Empty() {
		return det, err
	}

	if g.Dim > 0 {
		for _, e := range det.Embeddings {
			if len(e) != g.Dim {
				logging.Component("recognition").Warnf("discarding detection: embedding has %d dims, want %d", len(e), g.Dim)
				return Detection{}, nil
			}
		}
	}

	if g.MaxFaces > 0 && len(det.Embeddings) > g.MaxFaces {
		det = Align(det.Faces[:g.MaxFaces], det.Embeddings[:g.MaxFaces])
	}
	return det, nil
}
