package domain

import (
	"errors"
	"fmt"
)

// DialogState is a state of the done-column confirmation dialog.
type DialogState string

const (
	DialogIdle      DialogState = "idle"
	DialogPending   DialogState = "pending"
	DialogApplied   DialogState = "applied"
	DialogCancelled DialogState = "cancelled"
)

var (
	ErrDialogBusy    = errors.New("a status choice is already pending")
	ErrNoPending     = errors.New("no status choice is pending")
	ErrInvalidChoice = errors.New("status is not a valid choice for the target column")
)

// PendingTransition is a drop awaiting the user's status choice.
type PendingTransition struct {
	Activity Activity `json:"activity"`
	Target   ColumnID `json:"target"`
	Choices  []Status `json:"choices"`
	Board    Board    `json:"-"`
}

// Dialog tracks the idle -> pending -> applied|cancelled -> idle cycle. The
// zero value is an idle dialog.
type Dialog struct {
	state   DialogState
	last    DialogState
	pending *PendingTransition
}

// State returns the current state.
func (d *Dialog) State() DialogState {
	if d.state == "" {
		return DialogIdle
	}
	return d.state
}

// LastOutcome returns the state the last closed dialog passed through, or idle
// if none was closed yet.
func (d *Dialog) LastOutcome() DialogState {
	if d.last == "" {
		return DialogIdle
	}
	return d.last
}

// Pending returns the pending transition while the dialog is open.
func (d *Dialog) Pending() (PendingTransition, bool) {
	if d.pending == nil {
		return PendingTransition{}, false
	}
	return *d.pending, true
}

// Open moves an idle dialog to pending.
func (d *Dialog) Open(p PendingTransition) error {
	if d.State() != DialogIdle {
		return ErrDialogBusy
	}
	if len(p.Choices) == 0 {
		return fmt.Errorf("%w: no choices for %s", ErrInvalidChoice, p.Target)
	}
	cp := p
	cp.Choices = append([]Status(nil), p.Choices...)
	cp.Board = p.Board.Clone()
	d.pending = &cp
	d.state = DialogPending
	return nil
}

// Choose closes a pending dialog with status s and returns the transition to
// apply. The dialog passes through applied and ends idle.
func (d *Dialog) Choose(s Status) (PendingTransition, error) {
	if d.State() != DialogPending {
		return PendingTransition{}, ErrNoPending
	}
	p := *d.pending
	valid := false
	for _, c := range p.Choices {
		if c == s {
			valid = true
			break
		}
	}
	if !valid {
		return PendingTransition{}, fmt.Errorf("%w: %q", ErrInvalidChoice, s)
	}
	d.close(DialogApplied)
	return p, nil
}

// Cancel discards a pending dialog. The dialog passes through cancelled and
// ends idle.
func (d *Dialog) Cancel() (PendingTransition, error) {
	if d.State() != DialogPending {
		return PendingTransition{}, ErrNoPending
	}
	p := *d.pending
	d.close(DialogCancelled)
	return p, nil
}

func (d *Dialog) close(outcome DialogState) {
	d.last = outcome
	d.pending = nil
	d.state = DialogIdle
}
