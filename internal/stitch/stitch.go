// Package stitch merges the token sequences of overlapping windows into one
// transcript without repeating the shared boundary.
package stitch

const (
	// MaxOffsets bounds the number of alignments tried by FindOverlap.
	MaxOffsets = 30
	// MinOverlaps is the smallest match count accepted as a real overlap.
	MinOverlaps = 3
)

// Cut marks where prev is truncated and where curr resumes contributing.
type Cut struct {
	Prev int
	Curr int
}

// FindOverlap aligns the tail of prev with the head of curr. For each offset k
// below maxOffsets it compares prev[len(prev)-1-k:] with curr position by
// position and counts equal tokens. The offset with the most matches wins,
// the first one on ties; the cut points at its first matching position.
// ok is false when the best count is below minOverlaps.
func FindOverlap(prev, curr []int, maxOffsets, minOverlaps int) (cut Cut, ok bool) {
	offsets := min(len(prev), len(curr), maxOffsets)
	best := 0
	for k := 0; k < offsets; k++ {
		start := len(prev) - 1 - k
		tail := prev[start:]
		matches, first := 0, -1
		for i := 0; i < len(tail) && i < len(curr); i++ {
			if tail[i] != curr[i] {
				continue
			}
			if first < 0 {
				first = i
			}
			matches++
		}
		if matches > best {
			best = matches
			cut = Cut{Prev: start + first, Curr: first}
		}
	}
	if best == 0 || best < minOverlaps {
		return Cut{}, false
	}
	return cut, true
}

// Transcript accumulates accepted tokens for one run and tracks how many of
// them have already been emitted. It is not safe for concurrent use.
type Transcript struct {
	tokens      []int
	sent        int
	maxOffsets  int
	minOverlaps int
	noStitch    bool
	hold        bool
}

// Options configures a Transcript.
type Options struct {
	// Stitching aligns each window with the accepted tokens. Without it every
	// window is appended as is and, unless held, flushed immediately.
	Stitching bool
	// HoldUntilFinal keeps every token until the final window, which then
	// flushes the whole transcript at once.
	HoldUntilFinal bool
}

// NewTranscript returns an empty transcript.
func NewTranscript(opts Options) *Transcript {
	return &Transcript{
		maxOffsets:  MaxOffsets,
		minOverlaps: MinOverlaps,
		noStitch:    !opts.Stitching,
		hold:        opts.HoldUntilFinal,
	}
}

// Tokens returns the accepted tokens so far.
func (t *Transcript) Tokens() []int { return t.tokens }

// Add merges the tokens of the next window and returns the tokens that are
// now settled and must be emitted. flush reports whether anything should be
// emitted for this window. The final window is still aligned but always
// flushes everything that is left.
func (t *Transcript) Add(curr []int, final bool) (settled []int, flush bool) {
	cut, ok := t.merge(curr)
	switch {
	case final:
		return t.take(len(t.tokens)), true
	case t.hold:
		return nil, false
	case t.noStitch:
		return t.take(len(t.tokens)), true
	case ok:
		return t.take(cut), true
	default:
		return nil, false
	}
}

// merge appends curr, dropping the part that repeats the accepted tail. It
// returns the index up to which the accepted tokens are settled.
func (t *Transcript) merge(curr []int) (int, bool) {
	if t.noStitch {
		t.tokens = append(t.tokens, curr...)
		return 0, false
	}
	cut, ok := FindOverlap(t.tokens, curr, t.maxOffsets, t.minOverlaps)
	if !ok {
		t.tokens = append(t.tokens, curr...)
		return 0, false
	}
	if cut.Prev < t.sent {
		// Emitted tokens are final; skip their counterparts in curr instead.
		cut.Curr = min(cut.Curr+t.sent-cut.Prev, len(curr))
		cut.Prev = t.sent
	}
	t.tokens = append(t.tokens[:cut.Prev], curr[cut.Curr:]...)
	return cut.Prev, true
}

func (t *Transcript) take(end int) []int {
	out := append([]int(nil), t.tokens[t.sent:end]...)
	t.sent = end
	return out
}
