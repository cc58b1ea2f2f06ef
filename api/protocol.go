package api

import (
	"crm-activities/board"
	"crm-activities/domain"
)

const (
	maxRequestSize       = 64 * 1024 // 64 KiB
	headerIdempotencyKey = "Idempotency-Key"
)

// GET /api/columns response item
type columnResponse struct {
	ID             domain.ColumnID `json:"id"`
	Title          string          `json:"title"`
	Statuses       []domain.Status `json:"statuses"`
	DefaultStatus  domain.Status   `json:"defaultStatus,omitempty"`
	RequiresChoice bool            `json:"requiresChoice"`
}

// PUT /api/leads/:leadId/filter request body
type filterRequest struct {
	Statuses []domain.Status `json:"statuses"`
	Search   string          `json:"search"`
}

// POST /api/leads/:leadId/board/drop request body
type dropRequest struct {
	Columns map[domain.ColumnID][]string `json:"columns"`
}

// POST /api/leads/:leadId/board/drop response body
type dropResponse struct {
	Result domain.DragResult `json:"result"`
	Board  board.View        `json:"board"`
}

// POST /api/leads/:leadId/dialog/choose and PATCH .../status request body
type statusRequest struct {
	Status domain.Status `json:"status"`
}

// PATCH /api/leads/:leadId/activities/:id/status response body
type statusResponse struct {
	Changed bool       `json:"changed"`
	Board   board.View `json:"board"`
}
