package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Store.Load when nothing was saved yet
var ErrNotFound = errors.New("session not found")

// State is the persisted client session
type State struct {
	Authenticated  bool      `json:"authenticated"`
	AccessCode     string    `json:"access_code,omitempty"`
	UserEmail      string    `json:"user_email,omitempty"`
	AgentConnected bool      `json:"agent_connected"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists a State under a name
type Store interface {
	Load(ctx context.Context, name string) (State, error)
	Save(ctx context.Context, name string, st State) error
	Delete(ctx context.Context, name string) error
}

// Session holds the current State in memory and writes every change
// through to a Store. Store failures are logged; the in-memory value is
// always updated.
type Session struct {
	name    string
	store   Store
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.RWMutex
	state State
}

// New creates a session named name backed by store
func New(name string, store Store, logger *zap.Logger) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		name:    name,
		store:   store,
		logger:  logger.Named("session"),
		timeout: 3 * time.Second,
	}
}

// Restore loads the persisted state. A missing session is not an error.
func (s *Session) Restore(ctx context.Context) (State, error) {
	st, err := s.store.Load(ctx, s.name)
	if errors.Is(err, ErrNotFound) {
		return s.State(), nil
	}
	if err != nil {
		return s.State(), err
	}

	// Reachability is never carried across runs.
	st.AgentConnected = false

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return st, nil
}

// State returns a copy of the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetAuth records a successful login
func (s *Session) SetAuth(email, code string) {
	s.update(func(st *State) {
		st.Authenticated = true
		st.UserEmail = email
		st.AccessCode = code
	})
}

// Logout clears credentials and the agent flag
func (s *Session) Logout() {
	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.Delete(ctx, s.name); err != nil {
		s.logger.Warn("Failed to delete session", zap.Error(err))
	}
}

// SetAgentConnected records whether the agent is reachable
func (s *Session) SetAgentConnected(connected bool) {
	s.update(func(st *State) { st.AgentConnected = connected })
}

// AgentConnected reports the last recorded reachability
func (s *Session) AgentConnected() bool {
	return s.State().AgentConnected
}

func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	prev := s.state
	fn(&s.state)
	if s.state == prev {
		s.mu.Unlock()
		return
	}
	s.state.UpdatedAt = time.Now()
	st := s.state
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.Save(ctx, s.name, st); err != nil {
		s.logger.Warn("Failed to persist session", zap.Error(err))
	}
}

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]State
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]State)}
}

// Load implements Store
func (m *MemoryStore) Load(_ context.Context, name string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[name]
	if !ok {
		return State{}, ErrNotFound
	}
	return st, nil
}

// Save implements Store
func (m *MemoryStore) Save(_ context.Context, name string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[name] = st
	return nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, name)
	return nil
}
