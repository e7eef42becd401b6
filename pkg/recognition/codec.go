package recognition

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// codecPrefix versions the stored embedding format.
const codecPrefix = "rc1:"

const codecHeaderSize = 4

// EncodeEmbeddings serialises a user's embeddings into the opaque text form
// kept by the stores: a version prefix followed by base64 of a
// count/dimension header and little-endian float32 values.
func EncodeEmbeddings(embeddings []Embedding) (string, error) {
	if len(embeddings) == 0 {
		return "", fmt.Errorf("%w: nothing to encode", ErrNoFaceDetected)
	}
	dim := len(embeddings[0])
	if dim == 0 || dim > math.MaxUint16 || len(embeddings) > math.MaxUint16 {
		return "", fmt.Errorf("%w: unsupported shape %dx%d", ErrDimensionMismatch, len(embeddings), dim)
	}

	buf := make([]byte, codecHeaderSize+len(embeddings)*dim*4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(embeddings)))
	binary.LittleEndian.PutUint16(buf[2:], uint16(dim))

	off := codecHeaderSize
	for _, e := range embeddings {
		if len(e) != dim {
			return "", fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(e), dim)
		}
		for _, v := range e {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}
	return codecPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeEmbeddings parses the output of EncodeEmbeddings. Any malformed
// input is reported as ErrDecodeFailure.
func DecodeEmbeddings(encoded string) ([]Embedding, error) {
	if !strings.HasPrefix(encoded, codecPrefix) {
		return nil, fmt.Errorf("%w: unknown format", ErrDecodeFailure)
	}
	buf, err := base64.StdEncoding.DecodeString(encoded[len(codecPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if len(buf) < codecHeaderSize {
		return nil, fmt.Errorf("%w: truncated header", ErrDecodeFailure)
	}

	count := int(binary.LittleEndian.Uint16(buf[0:]))
	dim := int(binary.LittleEndian.Uint16(buf[2:]))
	if count == 0 || dim == 0 {
		return nil, fmt.Errorf("%w: empty embedding set", ErrDecodeFailure)
	}
	if len(buf) != codecHeaderSize+count*dim*4 {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrDecodeFailure, codecHeaderSize+count*dim*4, len(buf))
	}

	out := make([]Embedding, count)
	off := codecHeaderSize
	for i := range out {
		e := make(Embedding, dim)
		for j := range e {
			v := math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("%w: non-finite value", ErrDecodeFailure)
			}
			e[j] = v
			off += 4
		}
		out[i] = e
	}
	return out, nil
}
