// Package recognition turns images into face embeddings and compares them.
//
// The model itself is a black box behind the Detector interface. Two
// backends are provided: dlib through go-face, and a sidecar model process.
package recognition

import (
	"context"
	"errors"
)

// Face represents a detected face in an image.
type Face struct {
	BoundingBox Rectangle `json:"box"`
	Landmarks   []Point   `json:"landmarks,omitempty"`
	Confidence  float64   `json:"confidence"`
}

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Point represents a 2D point.
type Point struct {
	X, Y int
}

// Embedding is a face vector. Its length is fixed per backend.
type Embedding []float32

// Detection holds the faces found in one image, index-aligned with their
// embeddings.
type Detection struct {
	Faces      []Face
	Embeddings []Embedding
}

// Empty reports whether no face was found.
func (d Detection) Empty() bool {
	return len(d.Embeddings) == 0
}

// Align pairs faces with embeddings. If the counts disagree the result is
// empty rather than partially filled.
func Align(faces []Face, embeddings []Embedding) Detection {
	if len(faces) != len(embeddings) || len(faces) == 0 {
		return Detection{}
	}
	return Detection{Faces: faces, Embeddings: embeddings}
}

// Detector is the face detection and encoding capability. Implementations
// return an empty Detection when no face is present.
type Detector interface {
	Detect(ctx context.Context, image []byte) (Detection, error)
	Close() error
}

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// ErrDecodeFailure is returned when a stored embedding cannot be decoded.
var ErrDecodeFailure = errors.New("embedding decode failure")

// ErrDimensionMismatch is returned when embeddings of different sizes meet.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrUnsupportedImage is returned when image data cannot be decoded.
var ErrUnsupportedImage = errors.New("unsupported image")

// ErrBackendUnavailable is returned when no detection backend can be started.
var ErrBackendUnavailable = errors.New("recognition backend unavailable")
