package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/storage/filestore"
)

// MockStore is a real file store with an overridable attendance insert.
type MockStore struct {
	storage.Store
	CreateAttendanceFunc func(ctx context.Context, rec *storage.AttendanceRecord) error
}

func (m *MockStore) CreateAttendance(ctx context.Context, rec *storage.AttendanceRecord) error {
	if m.CreateAttendanceFunc != nil {
		return m.CreateAttendanceFunc(ctx, rec)
	}
	return m.Store.CreateAttendance(ctx, rec)
}

type MockDevice struct {
	PathValue string
	OpenFunc  func(ctx context.Context) error

	releases atomic.Int32
}

func (m *MockDevice) Path() string { return m.PathValue }

func (m *MockDevice) Open(ctx context.Context) error {
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx)
	}
	return nil
}

func (m *MockDevice) Read() (camera.Frame, error) {
	time.Sleep(5 * time.Millisecond)
	return camera.Frame{Data: []byte("frame"), Timestamp: time.Now()}, nil
}

func (m *MockDevice) Release() error {
	m.releases.Add(1)
	return nil
}

type MockDetector struct {
	DetectFunc func(ctx context.Context, image []byte) (recognition.Detection, error)
	CloseFunc  func() error

	calls atomic.Int32
}

func (m *MockDetector) Detect(ctx context.Context, image []byte) (recognition.Detection, error) {
	m.calls.Add(1)
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, image)
	}
	return recognition.Detection{}, nil
}

func (m *MockDetector) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockDetector) Calls() int { return int(m.calls.Load()) }

// faceOf returns a detector result holding one face with embedding e.
func faceOf(e recognition.Embedding) recognition.Detection {
	return recognition.Detection{
		Faces:      []recognition.Face{{BoundingBox: recognition.Rectangle{Width: 10, Height: 10}}},
		Embeddings: []recognition.Embedding{e},
	}
}

// alwaysFace returns a detector that finds e in every image.
func alwaysFace(e recognition.Embedding) *MockDetector {
	return &MockDetector{
		DetectFunc: func(context.Context, []byte) (recognition.Detection, error) { return faceOf(e), nil },
	}
}

func axis(dim, i int) recognition.Embedding {
	e := make(recognition.Embedding, dim)
	e[i] = 1
	return e
}

func near(dim, i int, sim float64) recognition.Embedding {
	e := make(recognition.Embedding, dim)
	e[i] = float32(sim)
	e[(i+1)%dim] = float32(math.Sqrt(1 - sim*sim))
	return e
}

// newTestPipeline wires a pipeline to a temp file store, det and a fresh
// mock camera whose path is unique to the test.
func newTestPipeline(t *testing.T, det recognition.Detector) (*Pipeline, *MockDevice) {
	t.Helper()
	store, err := filestore.New(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	return newTestPipelineWithStore(t, det, store)
}

func newTestPipelineWithStore(t *testing.T, det recognition.Detector, store storage.Store) (*Pipeline, *MockDevice) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Attendance.Timezone = "UTC"
	dev := &MockDevice{PathValue: "/dev/test/" + t.Name()}

	p, err := NewWithParts(cfg, store, det, func() camera.Device { return dev })
	if err != nil {
		t.Fatalf("NewWithParts failed: %v", err)
	}
	p.timeout = 500 * time.Millisecond
	p.poll = 50 * time.Millisecond
	p.cooldown = 10 * time.Millisecond
	t.Cleanup(func() { _ = p.Close() })
	return p, dev
}

// writePNG writes a small PNG and returns its path.
func writePNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "face.png")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(writePNG(t))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func codeOf(t *testing.T, err error) ErrorCode {
	t.Helper()
	se, ok := err.(*SessionError)
	if !ok {
		t.Fatalf("expected *SessionError, got %T (%v)", err, err)
	}
	return se.Code
}
