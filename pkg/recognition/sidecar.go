package recognition

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// maxSidecarResponse bounds a single response from the model process.
const maxSidecarResponse = 64 * 1024 * 1024

// SidecarDetector talks to a long-lived model process over its stdio.
//
// Each request is a big-endian uint32 length followed by JPEG bytes; each
// response is a big-endian uint32 length followed by a JSON document:
//
//	{"faces":[{"box":[x,y,w,h],"landmarks":[[x,y],...],"confidence":0.99}],
//	 "embeddings":[[...]], "error":""}
//
// A request abandoned through ctx keeps its turn on the wire until the reply
// has been read and dropped, so the next request never reads a stale answer.
type SidecarDetector struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closer io.Closer

	turn chan struct{}

	mu     sync.Mutex
	closed bool
}

type sidecarFace struct {
	Box        [4]int   `json:"box"`
	Landmarks  [][2]int `json:"landmarks"`
	Confidence float64  `json:"confidence"`
}

type sidecarResponse struct {
	Faces      []sidecarFace `json:"faces"`
	Embeddings [][]float32   `json:"embeddings"`
	Error      string        `json:"error"`
}

// StartSidecar launches the model process described by argv.
func StartSidecar(argv []string) (*SidecarDetector, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty sidecar command", ErrBackendUnavailable)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrBackendUnavailable, argv[0], err)
	}

	logging.Component("recognition").Infof("Started sidecar model process (pid %d)", cmd.Process.Pid)

	d := newSidecar(stdin, stdout)
	d.cmd = cmd
	return d, nil
}

func newSidecar(stdin io.WriteCloser, stdout io.ReadCloser) *SidecarDetector {
	return &SidecarDetector{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		closer: stdout,
		turn:   make(chan struct{}, 1),
	}
}

// Detect sends one image and waits for the model's answer. Requests are
// serialised; the process handles one frame at a time. Cancelling ctx
// returns immediately, both while queued and while the model is working.
func (s *SidecarDetector) Detect(ctx context.Context, image []byte) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return Detection{}, ctx.Err()
	}
	if s.isClosed() {
		<-s.turn
		return Detection{}, ErrModelNotLoaded
	}

	type result struct {
		det Detection
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-s.turn }()
		det, err := s.roundTrip(image)
		done <- result{det: det, err: err}
	}()

	select {
	case r := <-done:
		return r.det, r.err
	case <-ctx.Done():
		return Detection{}, ctx.Err()
	}
}

func (s *SidecarDetector) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// roundTrip writes one request and reads its reply. The caller holds the turn.
func (s *SidecarDetector) roundTrip(image []byte) (Detection, error) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(image)))
	if _, err := s.stdin.Write(header); err != nil {
		return Detection{}, fmt.Errorf("failed to write to sidecar: %w", err)
	}
	if _, err := s.stdin.Write(image); err != nil {
		return Detection{}, fmt.Errorf("failed to write to sidecar: %w", err)
	}

	if _, err := io.ReadFull(s.stdout, header); err != nil {
		return Detection{}, fmt.Errorf("failed to read sidecar header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxSidecarResponse {
		return Detection{}, fmt.Errorf("sidecar response too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.stdout, payload); err != nil {
		return Detection{}, fmt.Errorf("failed to read sidecar payload: %w", err)
	}

	var resp sidecarResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Detection{}, fmt.Errorf("invalid sidecar response: %w", err)
	}
	if resp.Error != "" {
		return Detection{}, errors.New("sidecar error: " + resp.Error)
	}

	faces := make([]Face, len(resp.Faces))
	for i, f := range resp.Faces {
		landmarks := make([]Point, len(f.Landmarks))
		for j, p := range f.Landmarks {
			landmarks[j] = Point{X: p[0], Y: p[1]}
		}
		faces[i] = Face{
			BoundingBox: Rectangle{X: f.Box[0], Y: f.Box[1], Width: f.Box[2], Height: f.Box[3]},
			Landmarks:   landmarks,
			Confidence:  f.Confidence,
		}
	}
	embeddings := make([]Embedding, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		embeddings[i] = Embedding(e)
	}

	if len(faces) != len(embeddings) {
		logging.Component("recognition").Warnf("sidecar returned %d faces but %d embeddings, discarding", len(faces), len(embeddings))
	}
	return Align(faces, embeddings), nil
}

// Close stops the model process. A request still on the wire fails once
// the pipes close.
func (s *SidecarDetector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stdin.Close()
	if s.closer != nil {
		_ = s.closer.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}
