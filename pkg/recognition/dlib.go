package recognition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// DlibDim is the descriptor size produced by the dlib ResNet model.
const DlibDim = len(face.Descriptor{})

// DlibModelFiles are required in the model directory by the dlib backend.
var DlibModelFiles = []string{
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
	"mmod_human_face_detector.dat",
}

// DlibModelsPresent reports whether all dlib model files exist in dir.
func DlibModelsPresent(dir string) bool {
	for _, name := range DlibModelFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// FaceEngine is the subset of go-face's Recognizer the detector uses.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	Close()
}

// dlibFactory is swapped in tests.
var dlibFactory = func(modelPath string) (FaceEngine, error) {
	return face.NewRecognizer(modelPath)
}

// DlibDetector implements Detector using dlib via go-face.
type DlibDetector struct {
	engine    FaceEngine
	factory   func(modelPath string) (FaceEngine, error)
	modelPath string
	loaded    bool
	mu        sync.RWMutex
}

// NewDlibDetector creates a detector; call LoadModels before Detect.
func NewDlibDetector() *DlibDetector {
	return &DlibDetector{factory: dlibFactory}
}

// LoadModels loads the dlib models from modelPath. Loading twice is a no-op.
func (d *DlibDetector) LoadModels(modelPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}

	log := logging.Component("recognition")
	log.Infof("Loading dlib models from: %s", modelPath)

	engine, err := d.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	d.engine = engine
	d.modelPath = modelPath
	d.loaded = true

	log.Info("dlib models loaded")
	return nil
}

// IsLoaded returns true if models are loaded.
func (d *DlibDetector) IsLoaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// Close releases the recognizer resources.
func (d *DlibDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		d.engine.Close()
		d.engine = nil
	}
	d.loaded = false
	return nil
}

// Detect finds faces in a JPEG image and returns one 128-dim descriptor per face.
func (d *DlibDetector) Detect(ctx context.Context, image []byte) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}

	// go-face is not safe for concurrent Recognize calls.
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return Detection{}, ErrModelNotLoaded
	}

	found, err := d.engine.Recognize(image)
	if err != nil {
		return Detection{}, fmt.Errorf("face detection failed: %w", err)
	}
	if len(found) == 0 {
		return Detection{}, nil
	}

	faces := make([]Face, len(found))
	embeddings := make([]Embedding, len(found))
	for i, f := range found {
		rect := f.Rectangle
		landmarks := make([]Point, len(f.Shapes))
		for j, p := range f.Shapes {
			landmarks[j] = Point{X: p.X, Y: p.Y}
		}
		faces[i] = Face{
			BoundingBox: Rectangle{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Landmarks:  landmarks,
			Confidence: 1.0, // go-face doesn't report a detection score
		}
		vec := make(Embedding, len(f.Descriptor))
		copy(vec, f.Descriptor[:])
		embeddings[i] = vec
	}

	logging.Component("recognition").Debugf("dlib detected %d face(s)", len(found))
	return Align(faces, embeddings), nil
}
