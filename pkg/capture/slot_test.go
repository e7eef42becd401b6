package capture

import (
	"sync"
	"testing"

	"github.com/MrCodeEU/rollcall/pkg/camera"
)

func TestSlot_Empty(t *testing.T) {
	s := NewSlot()
	if _, ok := s.Latest(); ok {
		t.Error("empty slot should report no frame")
	}
}

func TestSlot_LatestWins(t *testing.T) {
	s := NewSlot()
	s.Publish(camera.Frame{Data: []byte("a")})
	s.Publish(camera.Frame{Data: []byte("b")})
	seq := s.Publish(camera.Frame{Data: []byte("c")})

	f, ok := s.Latest()
	if !ok || string(f.Data) != "c" {
		t.Fatalf("expected newest frame, got %q", f.Data)
	}
	if f.Seq != seq || seq != 3 {
		t.Errorf("expected seq 3, got frame %d / returned %d", f.Seq, seq)
	}

	st := s.Stats()
	if st.Published != 3 || st.Dropped != 2 || st.LastSeq != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSlot_ReadFramesAreNotDrops(t *testing.T) {
	s := NewSlot()
	s.Publish(camera.Frame{Data: []byte("a")})
	s.Latest()
	s.Publish(camera.Frame{Data: []byte("b")})

	if d := s.Stats().Dropped; d != 0 {
		t.Errorf("expected no drops, got %d", d)
	}
}

func TestSlot_LatestReturnsCopy(t *testing.T) {
	s := NewSlot()
	src := []byte("pixels")
	s.Publish(camera.Frame{Data: src})

	f, _ := s.Latest()
	f.Data[0] = 'X'

	again, _ := s.Latest()
	if string(again.Data) != "pixels" {
		t.Errorf("consumer mutation leaked into the slot: %q", again.Data)
	}
}

func TestSlot_Reset(t *testing.T) {
	s := NewSlot()
	s.Publish(camera.Frame{})
	s.Reset()
	if _, ok := s.Latest(); ok {
		t.Error("expected empty slot after Reset")
	}
	if seq := s.Publish(camera.Frame{}); seq != 2 {
		t.Errorf("seq must stay monotonic across Reset, got %d", seq)
	}
}

func TestSlot_Concurrent(t *testing.T) {
	s := NewSlot()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.Publish(camera.Frame{Data: []byte{byte(i)}})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for i := 0; i < 1000; i++ {
				if f, ok := s.Latest(); ok {
					if f.Seq < last {
						t.Errorf("seq went backwards: %d after %d", f.Seq, last)
						return
					}
					last = f.Seq
				}
			}
		}()
	}
	wg.Wait()

	if st := s.Stats(); st.Published != 1000 {
		t.Errorf("expected 1000 published, got %d", st.Published)
	}
}
