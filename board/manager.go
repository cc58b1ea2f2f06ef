package board

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ManagerConfig tunes how long sessions live.
type ManagerConfig struct {
	Session SessionConfig
	// MaxAge is how long a loaded list is served before the next use reads
	// it from the store again. Zero never refetches.
	MaxAge time.Duration
	// IdleTimeout evicts sessions nobody used for that long. Zero keeps
	// them for the life of the process.
	IdleTimeout time.Duration
}

type managedSession struct {
	session *Session
	lastUse time.Time
}

// Manager keeps one session per lead, loading it on first use.
type Manager struct {
	cfg   ManagerConfig
	group singleflight.Group
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// NewManager returns a manager whose sessions share cfg.Session.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*managedSession),
	}
}

// Session returns the session for leadID, creating and loading it if needed.
// Concurrent first calls for the same lead share a single load. A failed load
// is not remembered. A session older than MaxAge is refreshed first.
func (m *Manager) Session(ctx context.Context, leadID string) (*Session, error) {
	if leadID == "" {
		return nil, ErrUnknownLead
	}
	if s := m.cached(leadID); s != nil {
		m.refreshIfStale(ctx, s)
		return s, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(leadID, func() (any, error) {
		if s := m.cached(leadID); s != nil {
			return s, nil
		}
		s, err := m.load(loadCtx, leadID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[leadID] = &managedSession{session: s, lastUse: m.now()}
		m.mu.Unlock()
		return s, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) cached(leadID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[leadID]
	if !ok {
		return nil
	}
	e.lastUse = m.now()
	return e.session
}

// refreshIfStale rereads the list of s when it is older than MaxAge. A failed
// refresh keeps serving the list already loaded.
func (m *Manager) refreshIfStale(ctx context.Context, s *Session) {
	if m.cfg.MaxAge <= 0 || m.now().Sub(s.LoadedAt()) < m.cfg.MaxAge {
		return
	}
	_, err, _ := m.group.Do("refresh:"+s.LeadID(), func() (any, error) {
		if m.now().Sub(s.LoadedAt()) < m.cfg.MaxAge {
			return nil, nil
		}
		_, err := s.Refresh(context.WithoutCancel(ctx))
		return nil, err
	})
	switch {
	case err == nil, errors.Is(err, ErrDialogPending):
	default:
		m.cfg.Session.Logger.WithError(err).WithField("lead", s.LeadID()).Warn("board session refresh failed, serving loaded list")
	}
}

func (m *Manager) load(ctx context.Context, leadID string) (*Session, error) {
	s, err := NewSession(leadID, m.cfg.Session)
	if err != nil {
		return nil, err
	}
	if _, err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	m.cfg.Session.Logger.WithFields(log.Fields{"lead": leadID}).Info("board session loaded")
	return s, nil
}

// EvictIdle drops sessions unused for longer than IdleTimeout. Sessions with
// writes in flight or a pending dialog are kept. It returns how many were
// dropped.
func (m *Manager) EvictIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, e := range m.sessions {
		if now.Sub(e.lastUse) < m.cfg.IdleTimeout || e.session.Busy() {
			continue
		}
		delete(m.sessions, id)
		n++
	}
	if n > 0 {
		m.cfg.Session.Logger.WithFields(log.Fields{"evicted": n, "remaining": len(m.sessions)}).Debug("idle board sessions evicted")
	}
	return n
}

// Run evicts idle sessions periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EvictIdle()
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of loaded sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
