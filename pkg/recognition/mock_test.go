package recognition

import (
	"context"

	"github.com/Kagami/go-face"
)

type MockFaceEngine struct {
	RecognizeFunc func(data []byte) ([]face.Face, error)
	CloseFunc     func()
}

func (m *MockFaceEngine) Recognize(data []byte) ([]face.Face, error) {
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(data)
	}
	return nil, nil
}

func (m *MockFaceEngine) Close() {
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

type MockDetector struct {
	DetectFunc func(ctx context.Context, image []byte) (Detection, error)
	CloseFunc  func() error
}

func (m *MockDetector) Detect(ctx context.Context, image []byte) (Detection, error) {
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, image)
	}
	return Detection{}, nil
}

func (m *MockDetector) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// unit returns a vector of length dim with value v at index i.
func unit(dim, i int, v float32) Embedding {
	e := make(Embedding, dim)
	e[i] = v
	return e
}
