// Package events defines the progress and transcript events streamed to callers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindDownloadStarted   Kind = "download_started"
	KindDownloadProgress  Kind = "download_progress"
	KindDownloadCompleted Kind = "download_completed"
	KindSegment           Kind = "segment"
	KindModelCompleted    Kind = "model_completed"
	KindFailed            Kind = "failed"
)

// Event is the unit of communication between a run and its consumer. Only the
// fields relevant to Kind are populated. Events are not mutated after construction.
type Event struct {
	Kind Kind

	// File is set on download events.
	File string
	// Percentage is 0..100 for download progress and 0..1 for segments.
	Percentage float64
	Elapsed    time.Duration
	Remaining  time.Duration

	StartOffset time.Duration
	EndOffset   time.Duration
	Text        string

	// Model is set on KindModelCompleted.
	Model string

	// Err carries the cause of a KindFailed event. It does not cross the wire;
	// decoded events get an error built from the message.
	Err error
}

func DownloadStarted(file string) Event {
	return Event{Kind: KindDownloadStarted, File: file}
}

func DownloadProgress(file string, percentage float64, elapsed, remaining time.Duration) Event {
	return Event{Kind: KindDownloadProgress, File: file, Percentage: percentage, Elapsed: elapsed, Remaining: remaining}
}

func DownloadCompleted(file string) Event {
	return Event{Kind: KindDownloadCompleted, File: file}
}

// Segment reports transcript text for the audio between start and end.
func Segment(start, end time.Duration, percentage float64, text string) Event {
	return Event{Kind: KindSegment, StartOffset: start, EndOffset: end, Percentage: percentage, Text: text}
}

// ModelCompleted closes a download-only run.
func ModelCompleted(model string) Event {
	return Event{Kind: KindModelCompleted, Model: model}
}

// Failed wraps the error that terminated a run.
func Failed(err error) Event {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Event{Kind: KindFailed, Err: err}
}

// Message returns the failure text of a KindFailed event.
func (e Event) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Terminal reports whether no event may follow e in the same run.
func (e Event) Terminal() bool {
	return e.Kind == KindFailed || e.Kind == KindModelCompleted
}

func (e Event) String() string {
	switch e.Kind {
	case KindDownloadStarted:
		return fmt.Sprintf("download started: %s", e.File)
	case KindDownloadProgress:
		return fmt.Sprintf("downloading %s: %.1f%% (elapsed %s, remaining %s)",
			e.File, e.Percentage, e.Elapsed.Round(time.Millisecond), e.Remaining.Round(time.Millisecond))
	case KindDownloadCompleted:
		return fmt.Sprintf("download completed: %s", e.File)
	case KindSegment:
		return fmt.Sprintf("[%s -> %s] %s", formatOffset(e.StartOffset), formatOffset(e.EndOffset), e.Text)
	case KindModelCompleted:
		return fmt.Sprintf("model ready: %s", e.Model)
	case KindFailed:
		return "failed: " + e.Message()
	default:
		return string(e.Kind)
	}
}

func formatOffset(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}

type wireEvent struct {
	Type          Kind     `json:"type"`
	File          string   `json:"file,omitempty"`
	Percentage    *float64 `json:"percentage,omitempty"`
	ElapsedMs     *int64   `json:"elapsed_ms,omitempty"`
	RemainingMs   *int64   `json:"remaining_ms,omitempty"`
	StartOffsetMs *int64   `json:"start_offset_ms,omitempty"`
	EndOffsetMs   *int64   `json:"end_offset_ms,omitempty"`
	Text          *string  `json:"text,omitempty"`
	Model         string   `json:"model,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// MarshalJSON encodes e as a tagged object; the "type" field selects the kind.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Kind}
	switch e.Kind {
	case KindDownloadStarted, KindDownloadCompleted:
		w.File = e.File
	case KindDownloadProgress:
		w.File = e.File
		w.Percentage = ptr(e.Percentage)
		w.ElapsedMs = ptr(e.Elapsed.Milliseconds())
		w.RemainingMs = ptr(e.Remaining.Milliseconds())
	case KindSegment:
		w.StartOffsetMs = ptr(e.StartOffset.Milliseconds())
		w.EndOffsetMs = ptr(e.EndOffset.Milliseconds())
		w.Percentage = ptr(e.Percentage)
		w.Text = ptr(e.Text)
	case KindModelCompleted:
		w.Model = e.Model
	case KindFailed:
		w.Message = e.Message()
	default:
		return nil, fmt.Errorf("events: unknown kind %q", e.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Event{Kind: w.Type, File: w.File, Model: w.Model}
	if w.Percentage != nil {
		out.Percentage = *w.Percentage
	}
	out.Elapsed = millis(w.ElapsedMs)
	out.Remaining = millis(w.RemainingMs)
	out.StartOffset = millis(w.StartOffsetMs)
	out.EndOffset = millis(w.EndOffsetMs)
	if w.Text != nil {
		out.Text = *w.Text
	}
	switch w.Type {
	case KindDownloadStarted, KindDownloadProgress, KindDownloadCompleted, KindSegment, KindModelCompleted:
	case KindFailed:
		out.Err = errors.New(w.Message)
	default:
		return fmt.Errorf("events: unknown kind %q", w.Type)
	}
	*e = out
	return nil
}

func ptr[T any](v T) *T { return &v }

func millis(v *int64) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(*v) * time.Millisecond
}
