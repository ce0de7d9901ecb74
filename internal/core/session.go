package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	clone "github.com/huandu/go-clone"
	"github.com/pkg/errors"

	"healthsync/pkg"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionFinalized = errors.New("session is finalized")
	ErrTurnInProgress   = errors.New("a turn is already in progress for this session")
	ErrEmptyMessage     = errors.New("empty message")
)

// session is the mutable state behind one conversation. Its fields are
// guarded by mu; the transcript has its own lock.
type session struct {
	mu       sync.Mutex
	info     pkg.Session
	conv     *Conversation
	charting []pkg.ChartingInformation
	record   map[string]any
	busy     bool
}

func (s *session) touch(now time.Time) {
	s.info.LastActivityAt = now
}

func (s *session) finalize(now time.Time) {
	if s.info.State == pkg.StateFinalized {
		return
	}
	s.info.State = pkg.StateFinalized
	t := now
	s.info.FinalizedAt = &t
}

func (s *session) snapshot() pkg.SessionSnapshot {
	snap := pkg.SessionSnapshot{
		Session:    s.info,
		Transcript: s.conv.Snapshot(),
		Charting:   append([]pkg.ChartingInformation{}, s.charting...),
	}
	if s.info.FinalizedAt != nil {
		t := *s.info.FinalizedAt
		snap.FinalizedAt = &t
	}
	if s.record != nil {
		snap.Record = clone.Clone(s.record).(map[string]any)
	}
	return snap
}

// SessionStore holds conversations in process memory. Nothing survives a
// restart.
type SessionStore struct {
	mu                sync.RWMutex
	sessions          map[string]*session
	inactivityTimeout time.Duration
	onExpire          func(pkg.Session)
	now               func() time.Time
}

func NewSessionStore(inactivityTimeout time.Duration) *SessionStore {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &SessionStore{
		sessions:          make(map[string]*session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *SessionStore) SetExpireHook(hook func(pkg.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create starts a collecting session whose transcript opens with the
// assistant's greeting.
func (m *SessionStore) Create(assistant string, variant Variant) pkg.Session {
	now := m.now()
	s := &session{
		info: pkg.Session{
			ID:             uuid.NewString(),
			Assistant:      NormalizeAssistant(assistant),
			Variant:        string(variant),
			State:          pkg.StateCollecting,
			StartedAt:      now,
			LastActivityAt: now,
		},
		conv: NewConversation(pkg.Turn{Role: pkg.RoleAssistant, Content: Greeting}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.info.ID] = s
	return s.info
}

func (m *SessionStore) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Get returns a deep copy of the session, its transcript and its record.
func (m *SessionStore) Get(id string) (pkg.SessionSnapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return pkg.SessionSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// End removes a session and returns its final state.
func (m *SessionStore) End(id string) (pkg.SessionSnapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return pkg.SessionSnapshot{}, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// ActiveCount returns the number of sessions still collecting.
func (m *SessionStore) ActiveCount() int {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	count := 0
	for _, s := range list {
		s.mu.Lock()
		if s.info.State == pkg.StateCollecting {
			count++
		}
		s.mu.Unlock()
	}
	return count
}

// RunJanitor evicts idle sessions every interval until ctx is done. A
// session in the middle of a turn is never evicted.
func (m *SessionStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.expireInactive()
		}
	}
}

func (m *SessionStore) expireInactive() {
	now := m.now()
	var expired []pkg.Session

	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := !s.busy && now.Sub(s.info.LastActivityAt) >= m.inactivityTimeout
		info := s.info
		s.mu.Unlock()
		if !idle {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, info)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}
