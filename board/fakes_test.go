package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"crm-activities/domain"
)

type update struct {
	id     string
	status domain.Status
}

type fakeStore struct {
	mu        sync.Mutex
	acts      []domain.Activity
	listErr   error
	listCalls int
	updates   []update
	errs      []error
	gates     map[domain.Status]chan struct{}
}

func newFakeStore(acts ...domain.Activity) *fakeStore {
	return &fakeStore{acts: acts, gates: make(map[domain.Status]chan struct{})}
}

func (f *fakeStore) ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Activity, len(f.acts))
	copy(out, f.acts)
	return out, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Activity, error) {
	f.mu.Lock()
	gate := f.gates[status]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Activity{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update{id: id, status: status})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.Activity{}, err
		}
	}
	for i := range f.acts {
		if f.acts[i].ID == id {
			f.acts[i].Status = status
			f.acts[i].UpdatedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			return f.acts[i], nil
		}
	}
	return domain.Activity{}, errors.New("not found")
}

func (f *fakeStore) gate(s domain.Status) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[s] = ch
	return ch
}

func (f *fakeStore) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeStore) Updates() []update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]update(nil), f.updates...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *fakeNotifier) Notes() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.notes...)
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []domain.StatusChange
}

func (p *fakePublisher) PublishStatusChange(ctx context.Context, ch domain.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, ch)
	return nil
}

func (p *fakePublisher) Changes() []domain.StatusChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StatusChange(nil), p.changes...)
}

// temporaryErr reports itself as retryable.
type temporaryErr struct{}

func (temporaryErr) Error() string   { return "service unavailable" }
func (temporaryErr) Temporary() bool { return true }

func nullLogger() (*log.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return logger, hook
}

func newTestWriter(t *testing.T, store Store, cfg WriterConfig) *Writer {
	t.Helper()
	logger, _ := nullLogger()
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 5 * time.Millisecond
	}
	w, err := NewWriter(cfg, store, logger)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(w.Shutdown)
	return w
}

func drain(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("writer did not drain: %v", err)
	}
}

func act(id string, s domain.Status) domain.Activity {
	return domain.Activity{ID: id, Title: "Attività " + id, Status: s, Lead: &domain.Ref{ID: "lead1", Name: "Mario Rossi"}}
}

func waitBriefly() { time.Sleep(time.Millisecond) }
