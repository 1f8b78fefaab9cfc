package window

import (
	"fmt"
	"testing"
)

func TestPlanCoverage(t *testing.T) {
	t.Parallel()

	for _, total := range []int{0, 1, 7, 100, 101, 479_999, 480_000, 480_001, 1_000_003} {
		for _, size := range []int{1, 3, 100, 464_000} {
			for _, overlap := range []int{0, 1, 50, 200_000, 1_000_000} {
				total, size, overlap := total, size, overlap
				t.Run(fmt.Sprintf("n=%d/c=%d/o=%d", total, size, overlap), func(t *testing.T) {
					t.Parallel()
					plan, err := NewPlan(total, size, overlap)
					if err != nil {
						t.Fatalf("NewPlan: %v", err)
					}
					checkCoverage(t, plan)
				})
			}
		}
	}
}

func checkCoverage(t *testing.T, plan Plan) {
	t.Helper()
	shift := plan.Shift()
	wantCount := (plan.Total + shift - 1) / shift
	if plan.Count() != wantCount {
		t.Fatalf("count = %d, want %d", plan.Count(), wantCount)
	}

	covered := 0
	n := 0
	var last Window
	for w := range plan.All() {
		if w.Index != n || w.Count != wantCount {
			t.Fatalf("window %d has index %d count %d", n, w.Index, w.Count)
		}
		if w.Start > covered {
			t.Fatalf("gap before window %d: covered to %d, start %d", n, covered, w.Start)
		}
		if w.End <= w.Start || w.End > plan.Total || w.Len() > plan.Size {
			t.Fatalf("bad window %+v", w)
		}
		covered = max(covered, w.End)
		last = w
		n++
	}
	if n != wantCount {
		t.Fatalf("yielded %d windows, want %d", n, wantCount)
	}
	if plan.Total > 0 && (last.End != plan.Total || !last.Final()) {
		t.Fatalf("last window %+v does not end at %d", last, plan.Total)
	}
}

func TestPlanOverlap(t *testing.T) {
	plan, err := NewPlan(250, 100, 20)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	var got []Window
	for w := range plan.All() {
		got = append(got, w)
	}
	want := [][2]int{{0, 100}, {80, 180}, {160, 250}, {240, 250}}
	if len(got) != len(want) {
		t.Fatalf("expected %d windows, got %d", len(want), len(got))
	}
	for i, w := range got {
		if w.Start != want[i][0] || w.End != want[i][1] {
			t.Fatalf("window %d = [%d,%d), want [%d,%d)", i, w.Start, w.End, want[i][0], want[i][1])
		}
	}
}

func TestPlanRestartableAndEarlyStop(t *testing.T) {
	plan, _ := NewPlan(1000, 300, 0)
	first := 0
	for range plan.All() {
		first++
	}
	second := 0
	for range plan.All() {
		second++
		if second == 2 {
			break
		}
	}
	if first != 4 || second != 2 {
		t.Fatalf("unexpected iteration counts %d %d", first, second)
	}
}

func TestNewPlanRejectsInvalid(t *testing.T) {
	if _, err := NewPlan(10, 0, 0); err == nil {
		t.Fatalf("expected error for zero size")
	}
	if _, err := NewPlan(10, 5, -1); err == nil {
		t.Fatalf("expected error for negative overlap")
	}
	if _, err := NewPlan(-1, 5, 0); err == nil {
		t.Fatalf("expected error for negative total")
	}
}
