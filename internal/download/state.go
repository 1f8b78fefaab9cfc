package download

import (
	"time"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
)

// State tracks the transfer of one file. offset never exceeds length and
// never decreases.
type State struct {
	file   string
	length int64
	offset int64
	start  time.Time
	now    func() time.Time
}

// NewState starts tracking file. A non-positive length means the size is unknown.
func NewState(file string, length int64, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{file: file, length: length, start: now(), now: now}
}

// File returns the tracked file name.
func (s *State) File() string { return s.file }

// Offset returns the number of bytes transferred so far.
func (s *State) Offset() int64 { return s.offset }

// Update records delta more bytes and returns the progress event to emit.
// A zero delta produces no event.
func (s *State) Update(delta int) (events.Event, bool) {
	if delta <= 0 {
		return events.Event{}, false
	}
	s.offset += int64(delta)
	if s.length > 0 && s.offset > s.length {
		s.offset = s.length
	}

	elapsed := s.now().Sub(s.start)
	percentage := s.Percentage()

	// Linear extrapolation: time per whole percent so far times what is left.
	units := int64(percentage)
	if units < 1 {
		units = 1
	}
	remaining := elapsed / time.Duration(units) * time.Duration(int64(100-percentage))

	return events.DownloadProgress(s.file, percentage, elapsed, remaining), true
}

// Percentage returns offset/length scaled to 0..100, or 0 when the size is unknown.
func (s *State) Percentage() float64 {
	if s.length <= 0 {
		return 0
	}
	p := float64(s.offset) / float64(s.length) * 100
	if p > 100 {
		p = 100
	}
	return p
}
