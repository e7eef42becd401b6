package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/storage/filestore"
)

func TestSource(t *testing.T) {
	tests := []struct {
		src   Source
		still bool
		name  string
	}{
		{src: Source{}, still: false, name: "camera"},
		{src: Source{ImagePath: "a.jpg"}, still: true, name: "a.jpg"},
		{src: Source{Image: []byte{1}}, still: true, name: "upload"},
	}
	for _, tt := range tests {
		if tt.src.Still() != tt.still || tt.src.String() != tt.name {
			t.Errorf("%+v: still=%v name=%s", tt.src, tt.src.Still(), tt.src.String())
		}
	}
}

func TestAcquire_Still(t *testing.T) {
	det := alwaysFace(axis(8, 0))
	p, dev := newTestPipeline(t, det)

	for _, src := range []Source{{ImagePath: writePNG(t)}, {Image: pngBytes(t)}} {
		got, err := p.Acquire(context.Background(), src)
		if err != nil {
			t.Fatalf("Acquire(%s) failed: %v", src, err)
		}
		if got.Empty() {
			t.Errorf("Acquire(%s) returned no face", src)
		}
	}
	if dev.releases.Load() != 0 || camera.Claimed(dev.Path()) {
		t.Error("still images must not touch the camera")
	}
}

func TestAcquire_StillErrors(t *testing.T) {
	tests := []struct {
		name string
		det  *MockDetector
		src  func(t *testing.T) Source
		code ErrorCode
	}{
		{
			name: "no face",
			det:  &MockDetector{},
			src:  func(t *testing.T) Source { return Source{ImagePath: writePNG(t)} },
			code: ErrCodeNoFace,
		},
		{
			name: "missing file",
			det:  alwaysFace(axis(8, 0)),
			src:  func(t *testing.T) Source { return Source{ImagePath: filepath.Join(t.TempDir(), "none.jpg")} },
			code: ErrCodeInvalidInput,
		},
		{
			name: "not an image",
			det:  alwaysFace(axis(8, 0)),
			src:  func(t *testing.T) Source { return Source{Image: []byte("text")} },
			code: ErrCodeInvalidInput,
		},
		{
			name: "detector failure",
			det: &MockDetector{DetectFunc: func(context.Context, []byte) (recognition.Detection, error) {
				return recognition.Detection{}, errors.New("model crashed")
			}},
			src:  func(t *testing.T) Source { return Source{ImagePath: writePNG(t)} },
			code: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(t, tt.det)
			_, err := p.Acquire(context.Background(), tt.src(t))
			if got := codeOf(t, err); got != tt.code {
				t.Errorf("expected %s, got %s (%v)", tt.code, got, err)
			}
		})
	}
}

func TestAcquire_Live(t *testing.T) {
	det := &MockDetector{}
	det.DetectFunc = func(context.Context, []byte) (recognition.Detection, error) {
		if det.Calls() < 3 {
			return recognition.Detection{}, nil
		}
		return faceOf(axis(8, 0)), nil
	}
	p, dev := newTestPipeline(t, det)
	p.timeout = 2 * time.Second

	got, err := p.Acquire(context.Background(), Source{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got.Empty() {
		t.Fatal("expected a face")
	}
	if dev.releases.Load() != 1 || camera.Claimed(dev.Path()) {
		t.Errorf("camera must be released once, releases=%d claimed=%v", dev.releases.Load(), camera.Claimed(dev.Path()))
	}
}

func TestAcquire_LiveErrors(t *testing.T) {
	t.Run("timeout releases camera", func(t *testing.T) {
		p, dev := newTestPipeline(t, &MockDetector{})
		p.timeout = 200 * time.Millisecond

		_, err := p.Acquire(context.Background(), Source{})
		if got := codeOf(t, err); got != ErrCodeDetectionTimeout {
			t.Errorf("expected timeout, got %s", got)
		}
		if camera.Claimed(dev.Path()) || dev.releases.Load() != 1 {
			t.Error("camera must be released after a timeout")
		}
	})

	t.Run("device busy", func(t *testing.T) {
		p, dev := newTestPipeline(t, alwaysFace(axis(8, 0)))
		release, err := camera.Claim(dev.Path())
		if err != nil {
			t.Fatal(err)
		}
		defer release()

		_, err = p.Acquire(context.Background(), Source{})
		if got := codeOf(t, err); got != ErrCodeDeviceBusy {
			t.Errorf("expected busy, got %s", got)
		}
	})

	t.Run("device unavailable", func(t *testing.T) {
		p, dev := newTestPipeline(t, alwaysFace(axis(8, 0)))
		dev.OpenFunc = func(context.Context) error { return camera.ErrDeviceUnavailable }

		_, err := p.Acquire(context.Background(), Source{})
		if got := codeOf(t, err); got != ErrCodeDeviceUnavailable {
			t.Errorf("expected unavailable, got %s", got)
		}
		if camera.Claimed(dev.Path()) {
			t.Error("failed open must not leave a claim")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		p, dev := newTestPipeline(t, &MockDetector{})
		p.timeout = 5 * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := p.Acquire(ctx, Source{})
		if got := codeOf(t, err); got != ErrCodeCancelled {
			t.Errorf("expected cancelled, got %s", got)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("cancellation must end the wait promptly")
		}
		if camera.Claimed(dev.Path()) {
			t.Error("camera must be released after cancellation")
		}
	})
}

func TestEnroll(t *testing.T) {
	det := alwaysFace(axis(8, 0))
	p, _ := newTestPipeline(t, det)
	ctx := context.Background()

	user, err := p.Enroll(ctx, " Alice ", Source{ImagePath: writePNG(t)})
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if user.Name != "Alice" {
		t.Errorf("unexpected name %q", user.Name)
	}

	calls := det.Calls()
	_, err = p.Enroll(ctx, "alice", Source{})
	if got := codeOf(t, err); got != ErrCodeDuplicateUser {
		t.Errorf("expected duplicate, got %s", got)
	}
	if det.Calls() != calls {
		t.Error("duplicate must be rejected before acquiring a face")
	}

	if _, err := p.Enroll(ctx, "  ", Source{ImagePath: writePNG(t)}); codeOf(t, err) != ErrCodeInvalidInput {
		t.Errorf("expected invalid input for blank name, got %v", err)
	}
}

func TestAddFace(t *testing.T) {
	p, _ := newTestPipeline(t, alwaysFace(axis(8, 0)))
	ctx := context.Background()
	if _, err := p.Enroll(ctx, "Alice", Source{ImagePath: writePNG(t)}); err != nil {
		t.Fatal(err)
	}

	user, err := p.AddFace(ctx, "Alice", Source{ImagePath: writePNG(t)})
	if err != nil {
		t.Fatalf("AddFace failed: %v", err)
	}
	embeddings, err := recognition.DecodeEmbeddings(user.Embeddings)
	if err != nil || len(embeddings) != 2 {
		t.Errorf("expected 2 embeddings, got %d (%v)", len(embeddings), err)
	}

	_, err = p.AddFace(ctx, "Bob", Source{ImagePath: writePNG(t)})
	if got := codeOf(t, err); got != ErrCodeNotEnrolled {
		t.Errorf("expected not enrolled, got %s", got)
	}
}

func TestMark_Live(t *testing.T) {
	p, dev := newTestPipeline(t, alwaysFace(near(8, 0, 0.82)))
	ctx := context.Background()
	alice, err := p.registrar.Register(ctx, "Alice", []recognition.Embedding{axis(8, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.registrar.Register(ctx, "Bob", []recognition.Embedding{axis(8, 4)}); err != nil {
		t.Fatal(err)
	}

	res, err := p.Mark(ctx, Source{})
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if res.SessionID == "" || len(res.Recognized) != 1 || res.Recognized[0].UserID != alice.ID {
		t.Fatalf("expected Alice recognized, got %+v", res)
	}

	present, _ := p.Present(ctx)
	absent, _ := p.Absent(ctx)
	if len(present) != 1 || len(absent) != 1 || absent[0].Name != "Bob" {
		t.Errorf("unexpected roster present=%d absent=%d", len(present), len(absent))
	}

	_, err = p.Mark(ctx, Source{})
	if got := codeOf(t, err); got != ErrCodeNotRecognized {
		t.Errorf("already present user must not be matched again, got %s", got)
	}
	if camera.Claimed(dev.Path()) {
		t.Error("camera must be released after each session")
	}
}

func TestMark_StillMatchesEveryone(t *testing.T) {
	p, _ := newTestPipeline(t, alwaysFace(axis(8, 0)))
	ctx := context.Background()
	if _, err := p.registrar.Register(ctx, "Alice", []recognition.Embedding{axis(8, 0)}); err != nil {
		t.Fatal(err)
	}

	first, err := p.Mark(ctx, Source{ImagePath: writePNG(t)})
	if err != nil || !first.Recognized[0].Marked {
		t.Fatalf("expected Alice marked, got %+v (%v)", first, err)
	}
	second, err := p.Mark(ctx, Source{ImagePath: writePNG(t)})
	if err != nil {
		t.Fatalf("second still mark failed: %v", err)
	}
	if len(second.Recognized) != 1 || second.Recognized[0].Marked {
		t.Errorf("expected Alice recognized without a new record, got %+v", second.Recognized)
	}
}

func TestMark_PartialFailureKeepsMarkedUsers(t *testing.T) {
	fs, err := filestore.New(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := &MockStore{Store: fs}
	p, _ := newTestPipelineWithStore(t, alwaysFace(axis(8, 0)), store)

	if _, err := p.registrar.Register(ctx, "Alice", []recognition.Embedding{axis(8, 0)}); err != nil {
		t.Fatal(err)
	}
	carol, err := p.registrar.Register(ctx, "Carol", []recognition.Embedding{near(8, 0, 0.9)})
	if err != nil {
		t.Fatal(err)
	}
	store.CreateAttendanceFunc = func(ctx context.Context, rec *storage.AttendanceRecord) error {
		if rec.UserID == carol.ID {
			return errors.New("disk full")
		}
		return fs.CreateAttendance(ctx, rec)
	}

	res, err := p.Mark(ctx, Source{})
	if got := codeOf(t, err); got != ErrCodeInternal {
		t.Errorf("expected INTERNAL, got %s", got)
	}
	if res == nil || len(res.Recognized) != 1 || res.Recognized[0].Name != "Alice" || !res.Recognized[0].Marked {
		t.Fatalf("expected Alice reported with the error, got %+v", res)
	}

	present, _ := p.Present(ctx)
	if len(present) != 1 || present[0].Name != "Alice" {
		t.Errorf("expected only Alice present, got %d users", len(present))
	}
}

func TestCompare(t *testing.T) {
	det := &MockDetector{}
	det.DetectFunc = func(context.Context, []byte) (recognition.Detection, error) {
		if det.Calls()%2 == 1 {
			return faceOf(axis(8, 0)), nil
		}
		return faceOf(near(8, 0, 0.5)), nil
	}
	p, _ := newTestPipeline(t, det)

	sim, ok, err := p.Compare(context.Background(), Source{ImagePath: writePNG(t)}, Source{ImagePath: writePNG(t)})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if ok || sim < 0.49 || sim > 0.51 {
		t.Errorf("expected no match at 0.5, got ok=%v sim=%f", ok, sim)
	}
}

func TestIdentify(t *testing.T) {
	p, _ := newTestPipeline(t, alwaysFace(near(8, 2, 0.9)))
	ctx := context.Background()

	if _, err := p.Identify(ctx, Source{ImagePath: writePNG(t)}, 1); codeOf(t, err) != ErrCodeNotEnrolled {
		t.Errorf("expected not enrolled on empty roster, got %v", err)
	}

	for name, e := range map[string]recognition.Embedding{"Alice": axis(8, 0), "Bob": axis(8, 2), "Carol": axis(8, 5)} {
		if _, err := p.registrar.Register(ctx, name, []recognition.Embedding{e}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := p.Identify(ctx, Source{ImagePath: writePNG(t)}, 1)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Bob" {
		t.Errorf("expected Bob nearest, got %+v", got)
	}
	if present, _ := p.Present(ctx); len(present) != 0 {
		t.Error("Identify must not mark attendance")
	}
}

func TestOpenStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	store, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	_ = store.Close()

	cfg.Storage.Driver = "sqlite"
	if _, err := OpenStore(context.Background(), cfg); err == nil {
		t.Error("expected unknown driver to fail")
	}
}

func TestNewWithParts_BadTimezone(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Attendance.Timezone = "Mars/Olympus"
	if _, err := NewWithParts(cfg, nil, nil, nil); err == nil {
		t.Error("expected timezone error")
	}
}

func TestClose(t *testing.T) {
	closed := false
	det := &MockDetector{CloseFunc: func() error { closed = true; return nil }}
	p, _ := newTestPipeline(t, det)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Error("detector must be closed")
	}
}
