package domain

// DragOutcome classifies the result of comparing two boards after a drag.
type DragOutcome string

const (
	// DragNoop means the drag produced nothing to apply.
	DragNoop DragOutcome = "noop"
	// DragReorder means activities only moved inside their columns.
	DragReorder DragOutcome = "reorder"
	// DragResolved means an activity changed column and its new status is known.
	DragResolved DragOutcome = "resolved"
	// DragNeedsChoice means the target column has no single status and the
	// user has to pick one.
	DragNeedsChoice DragOutcome = "needs-choice"
)

// DragResult describes how a drag is to be applied.
type DragResult struct {
	Outcome  DragOutcome `json:"outcome"`
	Activity *Activity   `json:"activity,omitempty"`
	Target   ColumnID    `json:"target,omitempty"`
	Status   Status      `json:"status,omitempty"`
	// Board is the prospective board the drag produced.
	Board Board `json:"-"`
}

// ResolveDrag compares the board before and after a drag and works out which
// activity moved and to which status. At most one moved activity is detected:
// the first, scanning columns in table order, whose current status is not
// accepted by the column it sits in.
func ResolveDrag(t *StatusTable, prev, next Board) DragResult {
	for _, col := range t.ColumnIDs() {
		for _, a := range next[col] {
			if t.Accepts(col, a.Status) {
				continue
			}
			moved := a
			if status, ok := t.DefaultStatusOf(col); ok {
				return DragResult{Outcome: DragResolved, Activity: &moved, Target: col, Status: status, Board: next}
			}
			return DragResult{Outcome: DragNeedsChoice, Activity: &moved, Target: col, Board: next}
		}
	}

	if sameMembers(t, prev, next) && !prev.Equal(next) {
		return DragResult{Outcome: DragReorder, Board: next}
	}
	return DragResult{Outcome: DragNoop}
}

func sameMembers(t *StatusTable, a, b Board) bool {
	ids := make(map[string]int)
	for _, col := range t.ColumnIDs() {
		for _, act := range a[col] {
			ids[act.ID]++
		}
		for _, act := range b[col] {
			ids[act.ID]--
		}
	}
	for _, n := range ids {
		if n != 0 {
			return false
		}
	}
	return true
}
