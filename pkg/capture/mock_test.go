package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

type MockDevice struct {
	PathValue   string
	OpenFunc    func(ctx context.Context) error
	ReadFunc    func() (camera.Frame, error)
	ReleaseFunc func() error

	opens    atomic.Int32
	reads    atomic.Int32
	releases atomic.Int32
}

func (m *MockDevice) Path() string { return m.PathValue }

func (m *MockDevice) Open(ctx context.Context) error {
	m.opens.Add(1)
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx)
	}
	return nil
}

func (m *MockDevice) Read() (camera.Frame, error) {
	m.reads.Add(1)
	if m.ReadFunc != nil {
		return m.ReadFunc()
	}
	time.Sleep(5 * time.Millisecond)
	return camera.Frame{Data: []byte("frame"), Timestamp: time.Now()}, nil
}

func (m *MockDevice) Release() error {
	m.releases.Add(1)
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc()
	}
	return nil
}

type MockDetector struct {
	DetectFunc func(ctx context.Context, image []byte) (recognition.Detection, error)

	mu    sync.Mutex
	calls int
}

func (m *MockDetector) Detect(ctx context.Context, image []byte) (recognition.Detection, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, image)
	}
	return recognition.Detection{}, nil
}

func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type MockSource struct {
	LatestFunc func() (camera.Frame, bool)
}

func (m *MockSource) Latest() (camera.Frame, bool) {
	if m.LatestFunc != nil {
		return m.LatestFunc()
	}
	return camera.Frame{}, false
}

// faceDetection is a one-face result.
func faceDetection() recognition.Detection {
	return recognition.Detection{
		Faces:      []recognition.Face{{Confidence: 1}},
		Embeddings: []recognition.Embedding{{1, 0, 0}},
	}
}

// eventually polls cond until it holds or the wait expires.
func eventually(cond func() bool, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
