package recognition

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/Kagami/go-face"
)

func loadedDlib(t *testing.T, engine FaceEngine) *DlibDetector {
	t.Helper()
	d := NewDlibDetector()
	d.factory = func(path string) (FaceEngine, error) { return engine, nil }
	if err := d.LoadModels("/models"); err != nil {
		t.Fatalf("LoadModels failed: %v", err)
	}
	return d
}

func TestDlibDetector_LoadModels(t *testing.T) {
	calls := 0
	d := NewDlibDetector()
	d.factory = func(path string) (FaceEngine, error) {
		calls++
		return &MockFaceEngine{}, nil
	}

	if d.IsLoaded() {
		t.Error("expected IsLoaded to be false initially")
	}
	if err := d.LoadModels("/tmp/models"); err != nil {
		t.Fatalf("LoadModels failed: %v", err)
	}
	if err := d.LoadModels("/tmp/models"); err != nil {
		t.Fatalf("second LoadModels failed: %v", err)
	}
	if !d.IsLoaded() || calls != 1 {
		t.Errorf("expected one load, got loaded=%v calls=%d", d.IsLoaded(), calls)
	}
}

func TestDlibDetector_LoadModelsFailure(t *testing.T) {
	d := NewDlibDetector()
	d.factory = func(path string) (FaceEngine, error) {
		return nil, errors.New("load failed")
	}
	if err := d.LoadModels("/tmp/models"); err == nil {
		t.Error("expected LoadModels to fail")
	}
	if d.IsLoaded() {
		t.Error("expected loaded to be false")
	}
}

func TestDlibDetector_Detect(t *testing.T) {
	engine := &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			return []face.Face{
				{
					Rectangle:  image.Rect(10, 20, 110, 140),
					Descriptor: face.Descriptor{0: 1, 127: 2},
					Shapes:     []image.Point{{X: 30, Y: 50}, {X: 80, Y: 50}},
				},
				{
					Rectangle:  image.Rect(200, 20, 260, 90),
					Descriptor: face.Descriptor{1: 3},
				},
			}, nil
		},
	}
	d := loadedDlib(t, engine)

	det, err := d.Detect(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(det.Faces) != 2 || len(det.Embeddings) != 2 {
		t.Fatalf("expected 2 aligned faces, got %d/%d", len(det.Faces), len(det.Embeddings))
	}

	first := det.Faces[0]
	if first.BoundingBox != (Rectangle{X: 10, Y: 20, Width: 100, Height: 120}) {
		t.Errorf("unexpected bounding box %+v", first.BoundingBox)
	}
	if len(first.Landmarks) != 2 || first.Landmarks[1] != (Point{X: 80, Y: 50}) {
		t.Errorf("unexpected landmarks %+v", first.Landmarks)
	}
	if len(det.Embeddings[0]) != DlibDim || det.Embeddings[0][127] != 2 {
		t.Errorf("descriptor not copied: len=%d", len(det.Embeddings[0]))
	}
}

func TestDlibDetector_NoFace(t *testing.T) {
	d := loadedDlib(t, &MockFaceEngine{})
	det, err := d.Detect(context.Background(), []byte("jpeg"))
	if err != nil || !det.Empty() {
		t.Errorf("expected empty detection without error, got %+v, %v", det, err)
	}
}

func TestDlibDetector_EngineError(t *testing.T) {
	d := loadedDlib(t, &MockFaceEngine{
		RecognizeFunc: func([]byte) ([]face.Face, error) { return nil, errors.New("bad jpeg") },
	})
	det, err := d.Detect(context.Background(), []byte("garbage"))
	if err == nil {
		t.Error("expected error from engine")
	}
	if !det.Empty() {
		t.Error("detection must be empty on error")
	}
}

func TestDlibDetector_NotLoaded(t *testing.T) {
	d := NewDlibDetector()
	if _, err := d.Detect(context.Background(), []byte("image")); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestDlibDetector_Close(t *testing.T) {
	closed := false
	d := loadedDlib(t, &MockFaceEngine{CloseFunc: func() { closed = true }})
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !closed || d.IsLoaded() {
		t.Error("expected engine closed and detector unloaded")
	}
}

func TestDlibModelsPresent(t *testing.T) {
	dir := t.TempDir()
	if DlibModelsPresent(dir) {
		t.Error("empty dir should not report models")
	}
	for _, name := range DlibModelFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	if !DlibModelsPresent(dir) {
		t.Error("expected models to be present")
	}
}
