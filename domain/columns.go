package domain

import (
	"errors"
	"fmt"
)

// ColumnID identifies one of the board columns.
type ColumnID string

const (
	ColumnToDo       ColumnID = "to-do"
	ColumnInProgress ColumnID = "in-progress"
	ColumnDone       ColumnID = "done"
)

// Column groups a set of statuses under a single board bucket.
type Column struct {
	ID       ColumnID `json:"id"`
	Title    string   `json:"title"`
	Statuses []Status `json:"statuses"`
	// DefaultStatus is assigned when an activity is dropped on the column.
	// It is empty for columns that require an explicit choice.
	DefaultStatus Status `json:"defaultStatus,omitempty"`
}

// RequiresChoice reports whether a drop on the column must be disambiguated.
func (c Column) RequiresChoice() bool {
	return c.DefaultStatus == ""
}

// Accepts reports whether s belongs to the column.
func (c Column) Accepts(s Status) bool {
	for _, st := range c.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

var (
	ErrDuplicateColumn  = errors.New("duplicate column")
	ErrStatusOverlap    = errors.New("status mapped to more than one column")
	ErrInvalidDefault   = errors.New("default status not accepted by its column")
	ErrAmbiguousColumn  = errors.New("column without default needs at least two statuses")
	ErrEmptyStatusTable = errors.New("status table has no columns")
)

// StatusTable maps every known status to exactly one column.
type StatusTable struct {
	columns  []Column
	byID     map[ColumnID]int
	byStatus map[Status]ColumnID
}

// DefaultColumns returns the activity board layout.
func DefaultColumns() []Column {
	return []Column{
		{
			ID:            ColumnToDo,
			Title:         "Da fare",
			Statuses:      []Status{StatusToPlan, StatusPlanned, StatusPostponed},
			DefaultStatus: StatusToPlan,
		},
		{
			ID:            ColumnInProgress,
			Title:         "In corso",
			Statuses:      []Status{StatusInProgress, StatusWaiting},
			DefaultStatus: StatusInProgress,
		},
		{
			ID:       ColumnDone,
			Title:    "Completate",
			Statuses: []Status{StatusCompleted, StatusCancelled},
		},
	}
}

// DefaultStatusTable is the table built from DefaultColumns.
var DefaultStatusTable = MustStatusTable(DefaultColumns())

// NewStatusTable validates cols and builds the lookup indexes.
func NewStatusTable(cols []Column) (*StatusTable, error) {
	if len(cols) == 0 {
		return nil, ErrEmptyStatusTable
	}
	t := &StatusTable{
		columns:  make([]Column, 0, len(cols)),
		byID:     make(map[ColumnID]int, len(cols)),
		byStatus: make(map[Status]ColumnID),
	}
	for _, c := range cols {
		if _, ok := t.byID[c.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, c.ID)
		}
		for _, s := range c.Statuses {
			if other, ok := t.byStatus[s]; ok {
				return nil, fmt.Errorf("%w: %q in %s and %s", ErrStatusOverlap, s, other, c.ID)
			}
			t.byStatus[s] = c.ID
		}
		if c.DefaultStatus != "" && !c.Accepts(c.DefaultStatus) {
			return nil, fmt.Errorf("%w: %q in %s", ErrInvalidDefault, c.DefaultStatus, c.ID)
		}
		if c.RequiresChoice() && len(c.Statuses) < 2 {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousColumn, c.ID)
		}
		cp := c
		cp.Statuses = append([]Status(nil), c.Statuses...)
		t.byID[c.ID] = len(t.columns)
		t.columns = append(t.columns, cp)
	}
	return t, nil
}

// MustStatusTable is like NewStatusTable but panics on an invalid table.
func MustStatusTable(cols []Column) *StatusTable {
	t, err := NewStatusTable(cols)
	if err != nil {
		panic(err)
	}
	return t
}

// Columns returns the columns in display order.
func (t *StatusTable) Columns() []Column {
	out := make([]Column, len(t.columns))
	for i, c := range t.columns {
		out[i] = c
		out[i].Statuses = append([]Status(nil), c.Statuses...)
	}
	return out
}

// ColumnIDs returns the column ids in display order.
func (t *StatusTable) ColumnIDs() []ColumnID {
	ids := make([]ColumnID, len(t.columns))
	for i, c := range t.columns {
		ids[i] = c.ID
	}
	return ids
}

// Column looks up a column by id.
func (t *StatusTable) Column(id ColumnID) (Column, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Column{}, false
	}
	return t.columns[i], true
}

// ColumnOf returns the column that holds s.
func (t *StatusTable) ColumnOf(s Status) (ColumnID, bool) {
	id, ok := t.byStatus[s]
	return id, ok
}

// DefaultStatusOf returns the status assigned on a drop to id. It reports false
// for unknown columns and for columns that require a choice.
func (t *StatusTable) DefaultStatusOf(id ColumnID) (Status, bool) {
	c, ok := t.Column(id)
	if !ok || c.RequiresChoice() {
		return "", false
	}
	return c.DefaultStatus, true
}

// Accepts reports whether column id holds status s.
func (t *StatusTable) Accepts(id ColumnID, s Status) bool {
	col, ok := t.byStatus[s]
	return ok && col == id
}

// Choices returns the statuses offered when a drop on id must be disambiguated.
func (t *StatusTable) Choices(id ColumnID) []Status {
	c, ok := t.Column(id)
	if !ok || !c.RequiresChoice() {
		return nil
	}
	return append([]Status(nil), c.Statuses...)
}
