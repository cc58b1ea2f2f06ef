package airtable

import (
	"strings"
	"time"

	"crm-activities/domain"
)

// Field names of the Activity table.
const (
	fieldStatus = "Stato"
)

type record struct {
	ID          string `json:"id"`
	CreatedTime string `json:"createdTime"`
	Fields      fields `json:"fields"`
}

type fields struct {
	Title         string   `json:"Titolo"`
	Type          string   `json:"Tipo"`
	Status        string   `json:"Stato"`
	Note          string   `json:"Note"`
	Objective     string   `json:"Obiettivo"`
	Priority      string   `json:"Priorità"`
	Outcome       string   `json:"Esito"`
	NextAction    string   `json:"Prossima azione"`
	NextActionAt  string   `json:"Data prossima azione"`
	ScheduledAt   string   `json:"Data"`
	LeadIDs       []string `json:"ID Lead"`
	LeadNames     []string `json:"Nome Lead"`
	AssigneeIDs   []string `json:"Assegnatario"`
	AssigneeNames []string `json:"Nome Assegnatario"`
	UpdatedAt     string   `json:"Ultima modifica"`
}

type listResponse struct {
	Records []record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

type patchRequest struct {
	Fields map[string]any `json:"fields"`
}

// toActivity converts an Airtable record. Linked-record lookups arrive as
// arrays and are reduced to at most one reference here.
func (r record) toActivity() domain.Activity {
	f := r.Fields
	a := domain.Activity{
		ID:           r.ID,
		Title:        f.Title,
		Type:         f.Type,
		Note:         f.Note,
		Status:       domain.Status(strings.TrimSpace(f.Status)),
		Objective:    f.Objective,
		Priority:     f.Priority,
		Outcome:      f.Outcome,
		NextAction:   f.NextAction,
		NextActionAt: parseTimePtr(f.NextActionAt),
		ScheduledAt:  parseTimePtr(f.ScheduledAt),
		Lead:         firstRef(f.LeadIDs, f.LeadNames),
		Assignee:     firstRef(f.AssigneeIDs, f.AssigneeNames),
	}
	if t := parseTimePtr(r.CreatedTime); t != nil {
		a.CreatedAt = *t
	}
	if t := parseTimePtr(f.UpdatedAt); t != nil {
		a.UpdatedAt = *t
	}
	if a.Title == "" {
		a.Title = defaultTitle(a)
	}
	return a
}

// defaultTitle mirrors the table's formula field: type followed by lead name.
func defaultTitle(a domain.Activity) string {
	if name := a.LeadName(); name != "" && a.Type != "" {
		return a.Type + " - " + name
	}
	return a.Type
}

func firstRef(ids, names []string) *domain.Ref {
	if len(ids) == 0 || strings.TrimSpace(ids[0]) == "" {
		return nil
	}
	ref := &domain.Ref{ID: ids[0]}
	if len(names) > 0 {
		ref.Name = names[0]
	}
	return ref
}

func parseTimePtr(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
