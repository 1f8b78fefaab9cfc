// Package beam implements a breadth-bounded best-first search over token
// sequences scored by an external oracle.
package beam

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
)

// DefaultMaskLength is the longest sequence for which special tokens stay masked.
const DefaultMaskLength = 5

// Oracle scores the next token of every sequence in a batch. The result holds
// one log-probability vector per input sequence, each the size of the vocabulary.
// Implementations must be deterministic for a fixed model and input.
type Oracle interface {
	Score(ctx context.Context, batch [][]int) ([][]float64, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, batch [][]int) ([][]float64, error)

// Score implements Oracle.
func (f OracleFunc) Score(ctx context.Context, batch [][]int) ([][]float64, error) {
	return f(ctx, batch)
}

// Node is one candidate sequence and its cumulative log-probability.
type Node struct {
	Tokens  []int
	LogProb float64
}

// Params configures a search.
type Params struct {
	Initial  []int
	Width    int
	MaxDepth int
	EndToken int
	// Special flags vocabulary entries that are masked while every live
	// sequence is at most MaskLength tokens long. Nil disables masking.
	Special    []bool
	MaskLength int
}

func (p Params) validate() error {
	if len(p.Initial) == 0 {
		return errors.New("beam: initial tokens are required")
	}
	if p.Width < 1 {
		return fmt.Errorf("beam: width must be >= 1, got %d", p.Width)
	}
	if p.MaxDepth < 1 {
		return fmt.Errorf("beam: max depth must be >= 1, got %d", p.MaxDepth)
	}
	return nil
}

// Search returns the best finished sequence, or the best unfinished one when
// MaxDepth steps elapse first. The returned slice includes the initial tokens.
// Equal log-probabilities keep their enumeration order; callers must not rely
// on a particular tie-break.
func Search(ctx context.Context, oracle Oracle, p Params) ([]int, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	maskLength := p.MaskLength
	if maskLength == 0 {
		maskLength = DefaultMaskLength
	}

	beams := []Node{{Tokens: slices.Clone(p.Initial), LogProb: 0}}
	for depth := 0; depth < p.MaxDepth; depth++ {
		if p.finished(best(beams)) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := p.step(ctx, oracle, beams, maskLength)
		if err != nil {
			return nil, err
		}
		beams = next
	}
	return best(beams).Tokens, nil
}

func (p Params) finished(n Node) bool {
	return len(n.Tokens) > 0 && n.Tokens[len(n.Tokens)-1] == p.EndToken
}

type candidate struct {
	parent  int
	token   int
	logProb float64
}

func (p Params) step(ctx context.Context, oracle Oracle, beams []Node, maskLength int) ([]Node, error) {
	var live []int
	batch := make([][]int, 0, len(beams))
	maxLen := 0
	for i, n := range beams {
		maxLen = max(maxLen, len(n.Tokens))
		if p.finished(n) {
			continue
		}
		live = append(live, i)
		batch = append(batch, n.Tokens)
	}

	scores, err := oracle.Score(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(batch) {
		return nil, fmt.Errorf("beam: oracle returned %d score vectors for %d sequences", len(scores), len(batch))
	}
	mask := p.Special != nil && maxLen <= maskLength

	// Finished beams compete with the expansions unchanged.
	candidates := make([]candidate, 0, len(beams)-len(live)+len(live)*len(p.Special))
	for i, n := range beams {
		if p.finished(n) {
			candidates = append(candidates, candidate{parent: i, token: -1, logProb: n.LogProb})
		}
	}
	for bi, parent := range live {
		base := beams[parent].LogProb
		for tok, lp := range scores[bi] {
			if mask && tok < len(p.Special) && p.Special[tok] {
				lp = math.Inf(-1)
			}
			if math.IsNaN(lp) {
				continue
			}
			candidates = append(candidates, candidate{parent: parent, token: tok, logProb: base + lp})
		}
	}
	if len(candidates) == 0 {
		return nil, errors.New("beam: oracle returned empty distributions")
	}

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		switch {
		case a.logProb > b.logProb:
			return -1
		case a.logProb < b.logProb:
			return 1
		default:
			return 0
		}
	})
	if len(candidates) > p.Width {
		candidates = candidates[:p.Width]
	}

	next := make([]Node, 0, len(candidates))
	for _, c := range candidates {
		parent := beams[c.parent]
		if c.token < 0 {
			next = append(next, parent)
			continue
		}
		tokens := make([]int, len(parent.Tokens)+1)
		copy(tokens, parent.Tokens)
		tokens[len(parent.Tokens)] = c.token
		next = append(next, Node{Tokens: tokens, LogProb: c.logProb})
	}
	return next, nil
}

// best returns the node with the highest log-probability; the first wins ties.
func best(nodes []Node) Node {
	out := nodes[0]
	for _, n := range nodes[1:] {
		if n.LogProb > out.LogProb {
			out = n
		}
	}
	return out
}
