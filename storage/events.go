package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"crm-activities/domain"
)

const activityEntityType = "activity"

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// EventQueue publishes activity events to an Azure storage queue.
type EventQueue struct {
	queue queueClient
}

// NewEventQueue creates an EventQueue for queueName.
func NewEventQueue(connStr, queueName string) (*EventQueue, error) {
	if queueName == "" {
		return nil, errors.New("event queue name is required")
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &EventQueue{queue: q}, nil
}

// PublishStatusChange enqueues an activity-status-changed event. Events of
// the same process carry strictly increasing timestamps.
func (q *EventQueue) PublishStatusChange(ctx context.Context, change domain.StatusChange) error {
	ts := nextTimestamp()
	change.Timestamp = ts
	ev := domain.Event{
		ID:         uuid.NewString(),
		EntityID:   change.ActivityID,
		EntityType: activityEntityType,
		Type:       domain.ActivityStatusChanged,
		Data:       change,
		Time:       ts,
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
