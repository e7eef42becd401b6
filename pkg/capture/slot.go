// Package capture runs the background capture loop and lets sessions wait
// for a frame that contains a face.
package capture

import (
	"sync/atomic"

	"github.com/MrCodeEU/rollcall/pkg/camera"
)

// SlotStats describes the traffic through a Slot.
type SlotStats struct {
	Published uint64
	Dropped   uint64
	LastSeq   uint64
}

type slotEntry struct {
	frame camera.Frame
	taken atomic.Bool
}

// Slot holds the most recent frame only. Publishing replaces whatever was
// there; a frame replaced before anyone read it counts as dropped.
type Slot struct {
	cur     atomic.Pointer[slotEntry]
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Publish stores f as the latest frame and never blocks. The frame's Seq is
// replaced with the slot's own publish counter, which is returned.
func (s *Slot) Publish(f camera.Frame) uint64 {
	seq := s.seq.Add(1)
	f.Seq = seq

	e := &slotEntry{frame: f}
	if old := s.cur.Swap(e); old != nil && !old.taken.Load() {
		s.dropped.Add(1)
	}
	return seq
}

// Latest returns a copy of the newest frame. The caller owns the copy.
func (s *Slot) Latest() (camera.Frame, bool) {
	e := s.cur.Load()
	if e == nil {
		return camera.Frame{}, false
	}
	e.taken.Store(true)
	return e.frame.Clone(), true
}

// Reset empties the slot. Counters are kept so Seq stays monotonic.
func (s *Slot) Reset() {
	s.cur.Store(nil)
}

// Stats returns a snapshot of the slot counters.
func (s *Slot) Stats() SlotStats {
	st := SlotStats{
		Published: s.seq.Load(),
		Dropped:   s.dropped.Load(),
	}
	if e := s.cur.Load(); e != nil {
		st.LastSeq = e.frame.Seq
	}
	return st
}
