// Package window splits an audio buffer into bounded, optionally overlapping windows.
package window

import (
	"fmt"
	"iter"
)

// Window is the half-open sample range [Start, End) of one decode step.
type Window struct {
	Index int
	Count int
	Start int
	End   int
}

// Final reports whether w is the last window of its sequence.
func (w Window) Final() bool { return w.Index == w.Count-1 }

// Len returns the number of samples in w.
func (w Window) Len() int { return w.End - w.Start }

// Plan describes how a buffer of Total samples is windowed.
type Plan struct {
	Total   int
	Size    int
	Overlap int
}

// NewPlan validates the window size and overlap for a buffer of total samples.
func NewPlan(total, size, overlap int) (Plan, error) {
	if total < 0 {
		return Plan{}, fmt.Errorf("window: negative sample count %d", total)
	}
	if size <= 0 {
		return Plan{}, fmt.Errorf("window: size must be positive, got %d", size)
	}
	if overlap < 0 {
		return Plan{}, fmt.Errorf("window: overlap must be >= 0, got %d", overlap)
	}
	return Plan{Total: total, Size: size, Overlap: overlap}, nil
}

// Shift is the distance between the starts of consecutive windows.
func (p Plan) Shift() int {
	return max(p.Size-p.Overlap, 1)
}

// Count is the number of windows needed to cover the buffer.
func (p Plan) Count() int {
	if p.Total <= 0 {
		return 0
	}
	shift := p.Shift()
	return (p.Total + shift - 1) / shift
}

// At returns window i. It does not check bounds.
func (p Plan) At(i int) Window {
	start := i * p.Shift()
	return Window{
		Index: i,
		Count: p.Count(),
		Start: start,
		End:   min(start+p.Size, p.Total),
	}
}

// All yields the windows in index order. The sequence is lazy and can be
// iterated any number of times.
func (p Plan) All() iter.Seq[Window] {
	return func(yield func(Window) bool) {
		count := p.Count()
		for i := range count {
			if !yield(p.At(i)) {
				return
			}
		}
	}
}
