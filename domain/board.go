package domain

import "strings"

// Board is a partition of activities into columns.
type Board map[ColumnID][]Activity

// Partition splits activities into the columns of t, keeping input order
// within each column. Activities whose status has no column are returned as
// excluded instead.
func Partition(activities []Activity, t *StatusTable) (Board, []Activity) {
	b := make(Board, len(t.columns))
	for _, c := range t.columns {
		b[c.ID] = []Activity{}
	}
	var excluded []Activity
	for _, a := range activities {
		col, ok := t.ColumnOf(a.Status)
		if !ok {
			excluded = append(excluded, a)
			continue
		}
		b[col] = append(b[col], a)
	}
	return b, excluded
}

// Flatten returns the activities of b in column order. Columns unknown to t
// are skipped.
func (b Board) Flatten(t *StatusTable) []Activity {
	n := 0
	for _, acts := range b {
		n += len(acts)
	}
	out := make([]Activity, 0, n)
	for _, id := range t.ColumnIDs() {
		out = append(out, b[id]...)
	}
	return out
}

// Clone returns a copy of b that shares no slices with it.
func (b Board) Clone() Board {
	out := make(Board, len(b))
	for id, acts := range b {
		out[id] = append([]Activity{}, acts...)
	}
	return out
}

// Equal reports whether both boards hold the same activities, with the same
// status, in the same columns and order.
func (b Board) Equal(other Board) bool {
	for id, acts := range b {
		if len(acts) != len(other[id]) {
			return false
		}
		for i, a := range acts {
			o := other[id][i]
			if a.ID != o.ID || a.Status != o.Status {
				return false
			}
		}
	}
	for id, acts := range other {
		if _, ok := b[id]; !ok && len(acts) > 0 {
			return false
		}
	}
	return true
}

// IDs returns the ids of every activity on the board.
func (b Board) IDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, acts := range b {
		for _, a := range acts {
			ids[a.ID] = struct{}{}
		}
	}
	return ids
}

// Find returns the column and index holding the activity with the given id.
func (b Board) Find(id string) (ColumnID, int, bool) {
	for col, acts := range b {
		for i, a := range acts {
			if a.ID == id {
				return col, i, true
			}
		}
	}
	return "", -1, false
}

// ApplyOrder reorders activities so that, inside each column, they follow the
// order of b. Positions taken by a column in the list are refilled in the new
// order; activities not on b keep their place.
func ApplyOrder(activities []Activity, b Board, t *StatusTable) []Activity {
	out := append([]Activity(nil), activities...)
	byID := make(map[string]Activity, len(activities))
	for _, a := range activities {
		byID[a.ID] = a
	}
	for _, id := range t.ColumnIDs() {
		wanted := make([]Activity, 0, len(b[id]))
		for _, a := range b[id] {
			if cur, ok := byID[a.ID]; ok && t.Accepts(id, cur.Status) {
				wanted = append(wanted, cur)
			}
		}
		onBoard := make(map[string]struct{}, len(wanted))
		for _, a := range wanted {
			onBoard[a.ID] = struct{}{}
		}
		k := 0
		for i, a := range out {
			if _, ok := onBoard[a.ID]; !ok {
				continue
			}
			out[i] = wanted[k]
			k++
		}
	}
	return out
}

// Filter narrows the activities shown on the board.
type Filter struct {
	Statuses []Status `json:"statuses,omitempty"`
	Search   string   `json:"search,omitempty"`
}

// Empty reports whether f lets every activity through.
func (f Filter) Empty() bool {
	return len(f.Statuses) == 0 && strings.TrimSpace(f.Search) == ""
}

// Match reports whether a passes the filter.
func (f Filter) Match(a Activity) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == a.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	q := strings.ToLower(strings.TrimSpace(f.Search))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(a.Title), q) ||
		strings.Contains(strings.ToLower(a.Note), q) ||
		strings.Contains(strings.ToLower(a.LeadName()), q)
}

// Apply returns the activities that pass the filter, in input order.
func (f Filter) Apply(activities []Activity) []Activity {
	if f.Empty() {
		return activities
	}
	out := make([]Activity, 0, len(activities))
	for _, a := range activities {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out
}

// CountByStatus counts activities per known status. Every status is present.
func CountByStatus(activities []Activity) map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, a := range activities {
		if _, ok := counts[a.Status]; ok {
			counts[a.Status]++
		}
	}
	return counts
}
