package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"crm-activities/domain"
)

// Column is one rendered board column.
type Column struct {
	ID         domain.ColumnID   `json:"id"`
	Title      string            `json:"title"`
	Choices    []domain.Status   `json:"choices"`
	Activities []domain.Activity `json:"activities"`
}

// DialogView exposes the confirmation dialog to clients.
type DialogView struct {
	State       domain.DialogState        `json:"state"`
	LastOutcome domain.DialogState        `json:"lastOutcome"`
	Pending     *domain.PendingTransition `json:"pending,omitempty"`
}

// View is a consistent snapshot of a lead's board.
type View struct {
	LeadID   string                `json:"leadId"`
	Columns  []Column              `json:"columns"`
	Dialog   DialogView            `json:"dialog"`
	Counts   map[domain.Status]int `json:"counts"`
	Filter   domain.Filter         `json:"filter"`
	Excluded []string              `json:"excluded,omitempty"`
	Writing  []string              `json:"writing,omitempty"`
}

type pendingWrite struct {
	version uint64
	prior   domain.Status
	status  domain.Status
	success string
}

// confirmedStatus is the last status the store is known to hold.
type confirmedStatus struct {
	status  domain.Status
	version uint64
}

// Session owns the activity list of one lead and every board derived from
// it. All mutations are serialised by the session lock.
type Session struct {
	leadID   string
	table    *domain.StatusTable
	store    Store
	writer   *Writer
	notifier Notifier
	events   EventPublisher
	logger   *log.Logger
	now      func() time.Time

	mu         sync.Mutex
	activities []domain.Activity
	filter     domain.Filter
	dialog     domain.Dialog
	versions   map[string]uint64
	inflight   map[string]pendingWrite
	confirmed  map[string]confirmedStatus
	outbox     []domain.Notification
	changes    []domain.StatusChange
	loadedAt   time.Time
}

// SessionConfig carries the dependencies of a session.
type SessionConfig struct {
	Table    *domain.StatusTable
	Store    Store
	Writer   *Writer
	Notifier Notifier
	Events   EventPublisher
	Logger   *log.Logger
}

// NewSession returns an empty session for leadID.
func NewSession(leadID string, cfg SessionConfig) (*Session, error) {
	if leadID == "" {
		return nil, ErrUnknownLead
	}
	if cfg.Store == nil || cfg.Writer == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("session %s: store, writer and logger are required", leadID)
	}
	if cfg.Table == nil {
		cfg.Table = domain.DefaultStatusTable
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Events == nil {
		cfg.Events = nopPublisher{}
	}
	return &Session{
		leadID:    leadID,
		table:     cfg.Table,
		store:     cfg.Store,
		writer:    cfg.Writer,
		notifier:  cfg.Notifier,
		events:    cfg.Events,
		logger:    cfg.Logger,
		now:       time.Now,
		versions:  make(map[string]uint64),
		inflight:  make(map[string]pendingWrite),
		confirmed: make(map[string]confirmedStatus),
	}, nil
}

// LeadID returns the lead the session belongs to.
func (s *Session) LeadID() string { return s.leadID }

// Refresh reloads the activity list from the store. Activities with a write
// in flight keep their optimistic status. The list is left untouched while
// the confirmation dialog is pending.
func (s *Session) Refresh(ctx context.Context) (View, error) {
	if s.dialogPending() {
		return View{}, ErrDialogPending
	}
	acts, err := s.store.ListActivities(ctx, s.leadID)
	if err != nil {
		return View{}, fmt.Errorf("list activities for %s: %w", s.leadID, err)
	}

	s.mu.Lock()
	if s.dialog.State() == domain.DialogPending {
		s.mu.Unlock()
		return View{}, ErrDialogPending
	}
	fresh := make([]domain.Activity, len(acts))
	copy(fresh, acts)
	for i := range fresh {
		id := fresh[i].ID
		if w, ok := s.inflight[id]; ok {
			fresh[i].Status = w.status
			continue
		}
		s.confirmed[id] = confirmedStatus{status: fresh[i].Status, version: s.versions[id]}
	}
	s.activities = fresh
	s.loadedAt = s.now()
	v := s.viewLocked()
	s.mu.Unlock()

	if len(v.Excluded) > 0 {
		s.logger.WithFields(log.Fields{"lead": s.leadID, "activities": v.Excluded}).Warn("activities with unknown status left off the board")
	}
	return v, nil
}

// Reload drops any cached copy of the lead's activities and refreshes.
func (s *Session) Reload(ctx context.Context) (View, error) {
	if s.dialogPending() {
		return View{}, ErrDialogPending
	}
	if inv, ok := s.store.(Invalidator); ok {
		inv.Invalidate(ctx, s.leadID)
	}
	return s.Refresh(ctx)
}

// LoadedAt reports when the list was last read from the store.
func (s *Session) LoadedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAt
}

// Busy reports whether the session has writes in flight or a pending dialog.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) > 0 || s.dialog.State() == domain.DialogPending
}

func (s *Session) dialogPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog.State() == domain.DialogPending
}

// View returns the current board snapshot.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// SetFilter replaces the filter and returns the recomputed board.
func (s *Session) SetFilter(f domain.Filter) (View, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return View{}, fmt.Errorf("%w: %q", ErrInvalidStatus, st)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialog.State() == domain.DialogPending {
		return View{}, ErrDialogPending
	}
	s.filter = domain.Filter{Statuses: append([]domain.Status(nil), f.Statuses...), Search: f.Search}
	return s.viewLocked(), nil
}

// Drop applies a prospective board produced by a drag. order lists activity
// ids per column, top to bottom.
func (s *Session) Drop(ctx context.Context, order map[domain.ColumnID][]string) (domain.DragResult, View, error) {
	s.mu.Lock()
	if s.dialog.State() == domain.DialogPending {
		s.mu.Unlock()
		return domain.DragResult{}, View{}, ErrDialogPending
	}

	prev := s.boardLocked()
	next := s.prospectiveLocked(order)
	res := domain.ResolveDrag(s.table, prev, next)

	var (
		err error
		job *writeJob
	)
	switch res.Outcome {
	case domain.DragReorder:
		s.activities = domain.ApplyOrder(s.activities, res.Board, s.table)
	case domain.DragResolved:
		job = s.applyStatusLocked(res.Activity.ID, res.Status, res.Board, "")
	case domain.DragNeedsChoice:
		err = s.dialog.Open(domain.PendingTransition{
			Activity: *res.Activity,
			Target:   res.Target,
			Choices:  s.table.Choices(res.Target),
			Board:    res.Board,
		})
	}
	v := s.viewLocked()
	s.mu.Unlock()

	if !s.submit(job) {
		v = s.View()
	}
	s.flush(ctx)
	s.logger.WithFields(log.Fields{"lead": s.leadID, "outcome": res.Outcome, "target": res.Target, "status": res.Status}).Debug("drop resolved")
	return res, v, err
}

// Choose closes the pending dialog with status and applies it.
func (s *Session) Choose(ctx context.Context, status domain.Status) (View, error) {
	s.mu.Lock()
	p, err := s.dialog.Choose(status)
	if err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	job := s.applyStatusLocked(p.Activity.ID, status, p.Board, fmt.Sprintf(msgMoved, status))
	v := s.viewLocked()
	s.mu.Unlock()

	if !s.submit(job) {
		v = s.View()
	}
	s.flush(ctx)
	return v, nil
}

// Cancel discards the pending dialog. The activity list is left as it was.
func (s *Session) Cancel(ctx context.Context) (View, error) {
	s.mu.Lock()
	p, err := s.dialog.Cancel()
	if err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	s.queueLocked(p.Activity.ID, domain.LevelInfo, msgMoveCancelled)
	v := s.viewLocked()
	s.mu.Unlock()

	s.flush(ctx)
	return v, nil
}

// SetStatus changes the status of one activity directly. Setting the status
// it already has does nothing and reports false.
func (s *Session) SetStatus(ctx context.Context, id string, status domain.Status) (View, bool, error) {
	if !status.Valid() {
		return View{}, false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	if s.dialog.State() == domain.DialogPending {
		s.mu.Unlock()
		return View{}, false, ErrDialogPending
	}
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return View{}, false, fmt.Errorf("%w: %s", ErrUnknownActivity, id)
	}
	if s.activities[i].Status == status {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, false, nil
	}
	job := s.applyStatusLocked(id, status, nil, fmt.Sprintf(msgStatusUpdated, status))
	v := s.viewLocked()
	s.mu.Unlock()

	if !s.submit(job) {
		v = s.View()
	}
	s.flush(ctx)
	return v, true, nil
}

// applyStatusLocked sets the status optimistically and returns the write to
// submit once the lock is released. When layout is not nil the list is
// reordered to match it.
func (s *Session) applyStatusLocked(id string, status domain.Status, layout domain.Board, success string) *writeJob {
	i := s.indexLocked(id)
	if i < 0 {
		s.logger.WithFields(log.Fields{"lead": s.leadID, "activity": id}).Warn("status change for activity no longer loaded")
		return nil
	}
	prior := s.activities[i].Status
	s.activities[i].Status = status
	if layout != nil {
		if col, j, ok := layout.Find(id); ok {
			layout = layout.Clone()
			layout[col][j].Status = status
			s.activities = domain.ApplyOrder(s.activities, layout, s.table)
		}
	}

	s.versions[id]++
	version := s.versions[id]
	s.inflight[id] = pendingWrite{version: version, prior: prior, status: status, success: success}

	return &writeJob{
		leadID:     s.leadID,
		activityID: id,
		status:     status,
		version:    version,
		done:       s.complete,
	}
}

// submit hands job to the writer. It must be called without the lock held
// since the hand-off may wait for a worker. A refused job is reverted and
// submit reports false.
func (s *Session) submit(job *writeJob) bool {
	if job == nil {
		return true
	}
	err := s.writer.Submit(job)
	if err == nil {
		return true
	}
	s.logger.WithError(err).WithFields(log.Fields{"lead": s.leadID, "activity": job.activityID}).Error("status write not submitted")
	s.mu.Lock()
	s.failLocked(job.activityID, job.version, err)
	s.mu.Unlock()
	return false
}

// complete is called by the writer once a write has settled.
func (s *Session) complete(r writeResult) {
	s.mu.Lock()
	if r.err == nil {
		s.confirmLocked(r.activityID, r.status, r.version)
	}
	w, ok := s.inflight[r.activityID]
	if !ok || w.version != r.version {
		if !ok && r.err == nil {
			// A superseded write landed after the newer one was reverted.
			if c := s.confirmed[r.activityID]; c.version == r.version {
				if i := s.indexLocked(r.activityID); i >= 0 {
					s.activities[i].Status = r.status
				}
			}
		}
		s.mu.Unlock()
		s.logger.WithFields(log.Fields{"lead": s.leadID, "activity": r.activityID, "version": r.version}).Debug("stale status write ignored")
		return
	}
	if r.err != nil {
		s.failLocked(r.activityID, r.version, r.err)
		s.mu.Unlock()
		s.flush(context.Background())
		return
	}

	delete(s.inflight, r.activityID)
	if i := s.indexLocked(r.activityID); i >= 0 && r.activity.ID == r.activityID {
		stored := r.activity
		stored.Status = s.activities[i].Status
		s.activities[i] = stored
	}
	s.changes = append(s.changes, domain.StatusChange{
		LeadID:     s.leadID,
		ActivityID: r.activityID,
		From:       w.prior,
		To:         w.status,
	})
	if w.success != "" {
		s.queueLocked(r.activityID, domain.LevelSuccess, w.success)
	}
	s.mu.Unlock()

	s.flush(context.Background())
}

// confirmLocked records status as stored unless a later write already settled.
func (s *Session) confirmLocked(id string, status domain.Status, version uint64) {
	if c, ok := s.confirmed[id]; ok && c.version > version {
		return
	}
	s.confirmed[id] = confirmedStatus{status: status, version: version}
}

// failLocked reverts the write with the given version if it is still the
// latest for the activity. The activity goes back to the last status the
// store confirmed.
func (s *Session) failLocked(id string, version uint64, err error) {
	w, ok := s.inflight[id]
	if !ok || w.version != version {
		return
	}
	delete(s.inflight, id)
	revert := w.prior
	if c, ok := s.confirmed[id]; ok {
		revert = c.status
	}
	if i := s.indexLocked(id); i >= 0 && s.activities[i].Status == w.status {
		s.activities[i].Status = revert
	}
	s.logger.WithError(err).WithFields(log.Fields{"lead": s.leadID, "activity": id, "status": w.status, "reverted": revert}).Warn("status change reverted")
	s.queueLocked(id, domain.LevelError, msgStatusFailed)
}

func (s *Session) queueLocked(activityID string, level domain.NotificationLevel, msg string) {
	s.outbox = append(s.outbox, domain.Notification{
		ID:         uuid.NewString(),
		LeadID:     s.leadID,
		ActivityID: activityID,
		Level:      level,
		Message:    msg,
		Time:       s.now().UTC(),
	})
}

// flush publishes queued notifications and status changes outside the lock.
func (s *Session) flush(ctx context.Context) {
	s.mu.Lock()
	notes := s.outbox
	changes := s.changes
	s.outbox = nil
	s.changes = nil
	s.mu.Unlock()

	for _, n := range notes {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.WithError(err).WithField("lead", s.leadID).Error("notification not delivered")
		}
	}
	for _, ch := range changes {
		if err := s.events.PublishStatusChange(ctx, ch); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"lead": s.leadID, "activity": ch.ActivityID}).Error("status change event not published")
		}
	}
}

func (s *Session) indexLocked(id string) int {
	for i, a := range s.activities {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) boardLocked() domain.Board {
	b, _ := domain.Partition(s.filter.Apply(s.activities), s.table)
	return b
}

// prospectiveLocked builds the board a drag produced from ids. Ids that are
// not on the current board are dropped: unknown ids, activities hidden by
// the filter and activities whose status has no column.
func (s *Session) prospectiveLocked(order map[domain.ColumnID][]string) domain.Board {
	visible := s.filter.Apply(s.activities)
	byID := make(map[string]domain.Activity, len(visible))
	for _, a := range visible {
		if _, ok := s.table.ColumnOf(a.Status); !ok {
			continue
		}
		byID[a.ID] = a
	}
	next := make(domain.Board, len(order))
	for col, ids := range order {
		acts := make([]domain.Activity, 0, len(ids))
		for _, id := range ids {
			if a, ok := byID[id]; ok {
				acts = append(acts, a)
			}
		}
		next[col] = acts
	}
	return next
}

func (s *Session) viewLocked() View {
	b, excluded := domain.Partition(s.filter.Apply(s.activities), s.table)
	d := DialogView{State: s.dialog.State(), LastOutcome: s.dialog.LastOutcome()}
	if p, ok := s.dialog.Pending(); ok {
		b = p.Board
		d.Pending = &p
	}

	v := View{
		LeadID: s.leadID,
		Dialog: d,
		Counts: domain.CountByStatus(s.activities),
		Filter: s.filter,
	}
	for _, c := range s.table.Columns() {
		v.Columns = append(v.Columns, Column{
			ID:         c.ID,
			Title:      c.Title,
			Choices:    s.table.Choices(c.ID),
			Activities: append([]domain.Activity{}, b[c.ID]...),
		})
	}
	for _, a := range excluded {
		v.Excluded = append(v.Excluded, a.ID)
	}
	for id := range s.inflight {
		v.Writing = append(v.Writing, id)
	}
	sort.Strings(v.Writing)
	return v
}
