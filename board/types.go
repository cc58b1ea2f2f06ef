package board

import (
	"context"
	"errors"

	"crm-activities/domain"
)

// Store reads activities and writes their status.
type Store interface {
	ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Activity, error)
}

// Invalidator is implemented by stores that cache reads.
type Invalidator interface {
	Invalidate(ctx context.Context, leadID string)
}

// Notifier delivers user-visible notifications for a lead.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// EventPublisher publishes committed status changes downstream.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, change domain.StatusChange) error
}

var (
	ErrDialogPending   = errors.New("a status choice is pending")
	ErrUnknownActivity = errors.New("activity not on board")
	ErrInvalidStatus   = errors.New("unknown activity status")
	ErrUnknownLead     = errors.New("lead id is required")
)

// Notification texts shown to the user.
const (
	msgMoved         = "Attività spostata in: %s"
	msgStatusUpdated = "Stato aggiornato a \"%s\""
	msgMoveCancelled = "Spostamento annullato"
	msgStatusFailed  = "Errore nel cambio stato dell'attività"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Notification) error { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishStatusChange(context.Context, domain.StatusChange) error { return nil }
