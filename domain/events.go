package domain

import "time"

const (
	ActivityStatusChanged = "activity-status-changed"
)

// NotificationLevel maps to the client toast variants.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelError   NotificationLevel = "error"
)

// Notification is a user-visible message about a board change.
type Notification struct {
	ID         string            `json:"id"`
	LeadID     string            `json:"leadId"`
	ActivityID string            `json:"activityId,omitempty"`
	Level      NotificationLevel `json:"level"`
	Message    string            `json:"message"`
	Time       time.Time         `json:"time"`
}

// StatusChange records a committed status write.
type StatusChange struct {
	LeadID     string `json:"leadId"`
	ActivityID string `json:"activityId"`
	From       Status `json:"from"`
	To         Status `json:"to"`
	// Timestamp orders changes of the same activity; later wins.
	Timestamp int64 `json:"timestamp"`
}

// Event is the envelope published for downstream consumers.
type Event struct {
	ID         string       `json:"id"`
	EntityID   string       `json:"entityId"`
	EntityType string       `json:"entityType"`
	Type       string       `json:"type"`
	Data       StatusChange `json:"data"`
	Time       int64        `json:"time"`
}
