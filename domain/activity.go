package domain

import "time"

// Status is the lifecycle value of an activity.
type Status string

const (
	StatusToPlan     Status = "Da Pianificare"
	StatusPlanned    Status = "Pianificata"
	StatusPostponed  Status = "Rimandata"
	StatusInProgress Status = "In corso"
	StatusWaiting    Status = "In attesa"
	StatusCompleted  Status = "Completata"
	StatusCancelled  Status = "Annullata"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusToPlan,
	StatusPlanned,
	StatusInProgress,
	StatusWaiting,
	StatusPostponed,
	StatusCompleted,
	StatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Ref is a related record resolved from a lookup field. A nil *Ref means the
// activity has no related record.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Activity is a schedulable unit of CRM work shown on the board.
type Activity struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Type         string     `json:"type,omitempty"`
	Note         string     `json:"note,omitempty"`
	Status       Status     `json:"status"`
	Objective    string     `json:"objective,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	NextAction   string     `json:"nextAction,omitempty"`
	NextActionAt *time.Time `json:"nextActionAt,omitempty"`
	ScheduledAt  *time.Time `json:"scheduledAt,omitempty"`
	Lead         *Ref       `json:"lead,omitempty"`
	Assignee     *Ref       `json:"assignee,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt,omitempty"`
}

// LeadName returns the name of the related lead, if any.
func (a Activity) LeadName() string {
	if a.Lead == nil {
		return ""
	}
	return a.Lead.Name
}
