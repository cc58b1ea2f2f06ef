package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"crm-activities/board"
	"crm-activities/domain"
)

type memStore struct {
	mu      sync.Mutex
	acts    []domain.Activity
	listErr error
	failErr error
	updates []string
}

func (m *memStore) ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Activity
	for _, a := range m.acts {
		if a.Lead != nil && a.Lead.ID == leadID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, id+"="+string(status))
	if m.failErr != nil {
		return domain.Activity{}, m.failErr
	}
	for i := range m.acts {
		if m.acts[i].ID == id {
			m.acts[i].Status = status
			return m.acts[i], nil
		}
	}
	return domain.Activity{}, errors.New("not found")
}

func (m *memStore) Updates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.updates...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) Notes() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.notes...)
}

type testServer struct {
	e        *echo.Echo
	boards   *board.Manager
	logger   *log.Logger
	store    *memStore
	writer   *board.Writer
	notifier *recordingNotifier
}

func newTestServer(t *testing.T, deduper Deduper, acts ...domain.Activity) *testServer {
	t.Helper()
	s := newTestBoards(t, acts...)
	Register(s.e, Deps{Boards: s.boards, Deduper: deduper, Logger: s.logger})
	return s
}

// newTestBoards builds the board stack without registering routes.
func newTestBoards(t *testing.T, acts ...domain.Activity) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := &memStore{acts: acts}
	w, err := board.NewWriter(board.WriterConfig{
		Workers:      2,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		MaxAttempts:  1,
	}, store, logger)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(w.Shutdown)
	notifier := &recordingNotifier{}
	mgr := board.NewManager(board.ManagerConfig{Session: board.SessionConfig{
		Store:    store,
		Writer:   w,
		Notifier: notifier,
		Logger:   logger,
	}})
	return &testServer{e: echo.New(), boards: mgr, logger: logger, store: store, writer: w, notifier: notifier}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.writer.Drain(ctx); err != nil {
		t.Fatalf("writer did not drain: %v", err)
	}
}

func leadActivity(id string, status domain.Status) domain.Activity {
	return domain.Activity{ID: id, Title: "Chiamata " + id, Status: status, Lead: &domain.Ref{ID: "lead1", Name: "Mario Rossi"}}
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) board.View {
	t.Helper()
	var v board.View
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode board: %v (%s)", err, rec.Body.String())
	}
	return v
}

func columnIDs(v board.View, col domain.ColumnID) []string {
	for _, c := range v.Columns {
		if c.ID != col {
			continue
		}
		ids := make([]string, 0, len(c.Activities))
		for _, a := range c.Activities {
			ids = append(ids, a.ID)
		}
		return ids
	}
	return nil
}

func TestGetColumns(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/columns", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var cols []columnResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &cols); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(cols))
	}
	if cols[0].ID != domain.ColumnToDo || cols[0].DefaultStatus != domain.StatusToPlan || cols[0].RequiresChoice {
		t.Fatalf("unexpected first column: %+v", cols[0])
	}
	if cols[2].ID != domain.ColumnDone || !cols[2].RequiresChoice || cols[2].DefaultStatus != "" {
		t.Fatalf("unexpected done column: %+v", cols[2])
	}
}

func TestGetBoardPartitionsActivities(t *testing.T) {
	s := newTestServer(t, nil,
		leadActivity("a1", domain.StatusToPlan),
		leadActivity("a2", domain.StatusWaiting),
		leadActivity("a3", domain.StatusCancelled),
	)
	rec := s.do(t, http.MethodGet, "/api/leads/lead1/board", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	v := decodeView(t, rec)
	if v.LeadID != "lead1" {
		t.Fatalf("unexpected lead: %s", v.LeadID)
	}
	if got := columnIDs(v, domain.ColumnInProgress); len(got) != 1 || got[0] != "a2" {
		t.Fatalf("unexpected in-progress column: %v", got)
	}
	if got := columnIDs(v, domain.ColumnDone); len(got) != 1 || got[0] != "a3" {
		t.Fatalf("unexpected done column: %v", got)
	}
	if v.Dialog.State != domain.DialogIdle {
		t.Fatalf("unexpected dialog state: %s", v.Dialog.State)
	}
}

func TestGetBoardStoreFailure(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.listErr = errors.New("airtable down")
	rec := s.do(t, http.MethodGet, "/api/leads/lead1/board", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestDropResolvesDefaultStatus(t *testing.T) {
	s := newTestServer(t, nil,
		leadActivity("a1", domain.StatusToPlan),
		leadActivity("a2", domain.StatusInProgress),
	)
	body := `{"columns":{"to-do":[],"in-progress":["a2","a1"],"done":[]}}`
	rec := s.do(t, http.MethodPost, "/api/leads/lead1/board/drop", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var resp dropResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Outcome != domain.DragResolved || resp.Result.Status != domain.StatusInProgress {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
	if got := columnIDs(resp.Board, domain.ColumnInProgress); len(got) != 2 || got[0] != "a2" || got[1] != "a1" {
		t.Fatalf("unexpected in-progress order: %v", got)
	}

	s.drain(t)
	if got := s.store.Updates(); len(got) != 1 || got[0] != "a1=In corso" {
		t.Fatalf("unexpected store updates: %v", got)
	}
	if notes := s.notifier.Notes(); len(notes) != 0 {
		t.Fatalf("plain drop must not notify, got %+v", notes)
	}
}

func TestDropOnDoneNeedsChoiceThenChoose(t *testing.T) {
	s := newTestServer(t, nil, leadActivity("a1", domain.StatusInProgress))
	body := `{"columns":{"to-do":[],"in-progress":[],"done":["a1"]}}`
	rec := s.do(t, http.MethodPost, "/api/leads/lead1/board/drop", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var resp dropResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Outcome != domain.DragNeedsChoice || resp.Board.Dialog.State != domain.DialogPending {
		t.Fatalf("expected pending dialog, got %+v / %+v", resp.Result, resp.Board.Dialog)
	}

	// board mutations are rejected while the choice is pending
	rec = s.do(t, http.MethodPatch, "/api/leads/lead1/activities/a1/status", `{"status":"In attesa"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while dialog pending, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/leads/lead1/dialog/choose", `{"status":"Da Pianificare"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid choice, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/leads/lead1/dialog/choose", `{"status":"Completata"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	v := decodeView(t, rec)
	if v.Dialog.State != domain.DialogIdle || v.Dialog.LastOutcome != domain.DialogApplied {
		t.Fatalf("unexpected dialog: %+v", v.Dialog)
	}

	s.drain(t)
	notes := s.notifier.Notes()
	if len(notes) != 1 || notes[0].Level != domain.LevelSuccess || notes[0].Message != "Attività spostata in: Completata" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}

	rec = s.do(t, http.MethodPost, "/api/leads/lead1/dialog/choose", `{"status":"Completata"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without pending choice, got %d", rec.Code)
	}
}

func TestCancelDialog(t *testing.T) {
	s := newTestServer(t, nil, leadActivity("a1", domain.StatusToPlan))
	rec := s.do(t, http.MethodPost, "/api/leads/lead1/dialog/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without pending choice, got %d", rec.Code)
	}

	s.do(t, http.MethodPost, "/api/leads/lead1/board/drop", `{"columns":{"to-do":[],"in-progress":[],"done":["a1"]}}`)
	rec = s.do(t, http.MethodPost, "/api/leads/lead1/dialog/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	v := decodeView(t, rec)
	if got := columnIDs(v, domain.ColumnToDo); len(got) != 1 || got[0] != "a1" {
		t.Fatalf("cancel must restore the board, got %v", got)
	}
	if len(s.store.Updates()) != 0 {
		t.Fatalf("cancel must not write")
	}
	notes := s.notifier.Notes()
	if len(notes) != 1 || notes[0].Level != domain.LevelInfo || notes[0].Message != "Spostamento annullato" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestPatchStatus(t *testing.T) {
	s := newTestServer(t, nil, leadActivity("a1", domain.StatusToPlan))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknownActivity", path: "/api/leads/lead1/activities/zz/status", body: `{"status":"In corso"}`, want: http.StatusNotFound},
		{name: "invalidStatus", path: "/api/leads/lead1/activities/a1/status", body: `{"status":"Boh"}`, want: http.StatusUnprocessableEntity},
		{name: "invalidBody", path: "/api/leads/lead1/activities/a1/status", body: `{"stato":1}`, want: http.StatusBadRequest},
		{name: "sameStatus", path: "/api/leads/lead1/activities/a1/status", body: `{"status":"Da Pianificare"}`, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPatch, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := s.do(t, http.MethodPatch, "/api/leads/lead1/activities/a1/status", `{"status":"Pianificata"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp statusResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Changed {
		t.Fatalf("expected change to be reported")
	}
	s.drain(t)
	notes := s.notifier.Notes()
	if len(notes) != 1 || notes[0].Message != `Stato aggiornato a "Pianificata"` {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestFailedWriteRevertsBoard(t *testing.T) {
	s := newTestServer(t, nil, leadActivity("a1", domain.StatusToPlan))
	s.store.failErr = errors.New("validation failed")

	rec := s.do(t, http.MethodPatch, "/api/leads/lead1/activities/a1/status", `{"status":"In corso"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	s.drain(t)

	v := decodeView(t, s.do(t, http.MethodGet, "/api/leads/lead1/board", ""))
	if got := columnIDs(v, domain.ColumnToDo); len(got) != 1 || got[0] != "a1" {
		t.Fatalf("expected activity back in to-do, got %v", got)
	}
	notes := s.notifier.Notes()
	if len(notes) != 1 || notes[0].Level != domain.LevelError {
		t.Fatalf("expected error notification, got %+v", notes)
	}
}

func TestFilterHidesActivities(t *testing.T) {
	s := newTestServer(t, nil,
		leadActivity("a1", domain.StatusToPlan),
		leadActivity("a2", domain.StatusPlanned),
	)
	rec := s.do(t, http.MethodPut, "/api/leads/lead1/filter", `{"statuses":["Pianificata"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	v := decodeView(t, rec)
	if got := columnIDs(v, domain.ColumnToDo); len(got) != 1 || got[0] != "a2" {
		t.Fatalf("unexpected filtered column: %v", got)
	}

	rec = s.do(t, http.MethodPut, "/api/leads/lead1/filter", `{"statuses":["Boh"]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestRefreshReloadsFromStore(t *testing.T) {
	s := newTestServer(t, nil, leadActivity("a1", domain.StatusToPlan))
	s.do(t, http.MethodGet, "/api/leads/lead1/board", "")

	s.store.mu.Lock()
	s.store.acts = append(s.store.acts, leadActivity("a2", domain.StatusCompleted))
	s.store.mu.Unlock()

	v := decodeView(t, s.do(t, http.MethodPost, "/api/leads/lead1/refresh", ""))
	if got := columnIDs(v, domain.ColumnDone); len(got) != 1 || got[0] != "a2" {
		t.Fatalf("expected refreshed activity, got %v", got)
	}
}

func TestRefreshRejectedWhileChoicePending(t *testing.T) {
	s := newTestServer(t, nil, leadActivity("a1", domain.StatusInProgress))
	s.do(t, http.MethodPost, "/api/leads/lead1/board/drop", `{"columns":{"to-do":[],"in-progress":[],"done":["a1"]}}`)

	s.store.mu.Lock()
	s.store.acts[0].Status = domain.StatusToPlan
	s.store.mu.Unlock()

	rec := s.do(t, http.MethodPost, "/api/leads/lead1/refresh", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while dialog pending, got %d", rec.Code)
	}
	v := decodeView(t, s.do(t, http.MethodPost, "/api/leads/lead1/dialog/cancel", ""))
	if got := columnIDs(v, domain.ColumnInProgress); len(got) != 1 || got[0] != "a1" {
		t.Fatalf("cancel must restore the board before the drag, got %v", got)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, Deps{Logger: logger, Health: pingFunc(func(context.Context) error { return errors.New("redis down") })})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{board.ErrDialogPending, http.StatusConflict},
		{domain.ErrNoPending, http.StatusConflict},
		{domain.ErrInvalidChoice, http.StatusUnprocessableEntity},
		{board.ErrUnknownActivity, http.StatusNotFound},
		{board.ErrUnknownLead, http.StatusBadRequest},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := writeError(c, tt.err); err != nil {
			t.Fatalf("writeError(%v) returned %v", tt.err, err)
		}
		if rec.Code != tt.want {
			t.Fatalf("writeError(%v) = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}
