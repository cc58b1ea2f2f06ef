package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"crm-activities/domain"
)

var ErrNotFound = errors.New("activity not found")

type tableClient interface {
	NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	UpdateEntity(ctx context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
}

// Storage keeps activities in an Azure table partitioned by lead.
type Storage struct {
	activities tableClient
	now        func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, activitiesTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{activities: svc.NewClient(activitiesTable), now: time.Now}, nil
}

type activityEntity struct {
	aztables.Entity
	Title        string `json:"Title"`
	Type         string `json:"Type"`
	Note         string `json:"Note"`
	Status       string `json:"Status"`
	Objective    string `json:"Objective"`
	Priority     string `json:"Priority"`
	Outcome      string `json:"Outcome"`
	NextAction   string `json:"NextAction"`
	NextActionAt string `json:"NextActionAt"`
	ScheduledAt  string `json:"ScheduledAt"`
	LeadName     string `json:"LeadName"`
	AssigneeID   string `json:"AssigneeId"`
	AssigneeName string `json:"AssigneeName"`
	CreatedAt    string `json:"CreatedAt"`
	UpdatedAt    string `json:"UpdatedAt"`
}

type statusPatch struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Status       string `json:"Status"`
	UpdatedAt    string `json:"UpdatedAt"`
}

// ListActivities retrieves all activities of the provided lead.
func (s *Storage) ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error) {
	filter := "PartitionKey eq '" + escapeODataString(leadID) + "'"
	return s.query(ctx, filter)
}

// UpdateStatus merges a new status into the activity with the given id.
func (s *Storage) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Activity, error) {
	found, err := s.query(ctx, "RowKey eq '"+escapeODataString(id)+"'")
	if err != nil {
		return domain.Activity{}, err
	}
	if len(found) == 0 || found[0].Lead == nil {
		return domain.Activity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a := found[0]
	now := s.now().UTC()
	patch, err := sonic.Marshal(statusPatch{
		PartitionKey: a.Lead.ID,
		RowKey:       a.ID,
		Status:       string(status),
		UpdatedAt:    now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return domain.Activity{}, err
	}
	etag := azcore.ETagAny
	if _, err := s.activities.UpdateEntity(ctx, patch, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		var re *azcore.ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return domain.Activity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.Activity{}, err
	}
	a.Status = status
	a.UpdatedAt = now
	return a, nil
}

func (s *Storage) query(ctx context.Context, filter string) ([]domain.Activity, error) {
	pager := s.activities.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	activities := []domain.Activity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			a, err := decodeActivityEntity(e)
			if err != nil {
				return nil, err
			}
			activities = append(activities, a)
		}
	}
	return activities, nil
}

func decodeActivityEntity(data []byte) (domain.Activity, error) {
	var ent activityEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Activity{}, err
	}
	a := domain.Activity{
		ID:           ent.RowKey,
		Title:        ent.Title,
		Type:         ent.Type,
		Note:         ent.Note,
		Status:       domain.Status(ent.Status),
		Objective:    ent.Objective,
		Priority:     ent.Priority,
		Outcome:      ent.Outcome,
		NextAction:   ent.NextAction,
		NextActionAt: parseTime(ent.NextActionAt),
		ScheduledAt:  parseTime(ent.ScheduledAt),
	}
	if ent.PartitionKey != "" {
		a.Lead = &domain.Ref{ID: ent.PartitionKey, Name: ent.LeadName}
	}
	if ent.AssigneeID != "" {
		a.Assignee = &domain.Ref{ID: ent.AssigneeID, Name: ent.AssigneeName}
	}
	if t := parseTime(ent.CreatedAt); t != nil {
		a.CreatedAt = *t
	}
	if t := parseTime(ent.UpdatedAt); t != nil {
		a.UpdatedAt = *t
	} else if !time.Time(ent.Timestamp).IsZero() {
		a.UpdatedAt = time.Time(ent.Timestamp).UTC()
	}
	return a, nil
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// IsRetryable reports whether a table or queue error is worth retrying.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) {
		return false
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusRequestTimeout || re.StatusCode == http.StatusTooManyRequests || re.StatusCode >= 500
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded)
}
