package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of one protocol session.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateInitialized   SessionState = "initialized"
	StateTerminated    SessionState = "terminated"
)

// Session is one client conversation. Stdio and WebSocket carry exactly one
// session per connection; HTTP keys sessions by the Mcp-Session-Id header or
// synthesizes a pre-initialized one per request in stateless mode.
type Session struct {
	ID        string
	Stateless bool
	CreatedAt time.Time

	mu         sync.Mutex
	state      SessionState
	clientName string
	clientVer  string
	protocol   string
}

// NewSession creates an uninitialized session.
func NewSession() *Session {
	return &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		state:     StateUninitialized,
	}
}

// NewStatelessSession creates a session that is already initialized and
// skips lifecycle enforcement.
func NewStatelessSession() *Session {
	s := NewSession()
	s.Stateless = true
	s.state = StateInitialized
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize transitions the session to initialized and records the client
// identity. Re-initializing an already initialized session is tolerated.
func (s *Session) Initialize(clientName, clientVersion, protocolVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return NewRPCError(CodeInvalidRequest, "session is terminated")
	}
	s.state = StateInitialized
	s.clientName = clientName
	s.clientVer = clientVersion
	s.protocol = protocolVersion
	return nil
}

// Ready reports whether tool methods may run on this session.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stateless || s.state == StateInitialized
}

// Terminate ends the session. Idempotent.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
}

// ClientInfo returns what the client reported during initialize.
func (s *Session) ClientInfo() (name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName, s.clientVer
}

// SessionManager tracks HTTP sessions across requests. Connection-bound
// transports do not need it.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: map[string]*Session{}}
}

// Create registers a new session and returns it.
func (m *SessionManager) Create() *Session {
	session := NewSession()
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	return session
}

// Get looks up a session by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Remove terminates and forgets a session.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	if session, ok := m.sessions[id]; ok {
		session.Terminate()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
