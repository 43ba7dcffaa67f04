package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/validation"
)

// SessionManager keeps one CallSession per signed-in user.
type SessionManager struct {
	cfg     CallConfig
	deps    CallSessionDeps
	logger  *zap.SugaredLogger
	metrics ports.Metrics

	mu       sync.Mutex
	sessions map[domain.UserID]*CallSession
	closed   bool
}

var _ ports.SessionDirectory = (*SessionManager)(nil)

func NewSessionManager(cfg CallConfig, deps CallSessionDeps) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.Named("sessions"),
		metrics:  MetricsOrNoop(deps.Metrics),
		sessions: make(map[domain.UserID]*CallSession),
	}
}

// SignIn starts a session for user. An existing session is returned as is.
func (m *SessionManager) SignIn(ctx context.Context, user domain.User) (ports.CallService, error) {
	if err := validation.ValidateUserID(string(user.ID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateDisplayName(user.DisplayName); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	if user.SignedInAt.IsZero() {
		user.SignedInAt = time.Now()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperrors.NewServiceUnavailableError("shutting down")
	}
	if s, ok := m.sessions[user.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := NewCallSession(user, m.cfg, m.deps)
	m.sessions[user.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.remove(user.ID, s)
		s.Stop()
		return nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "Failed to start call session", 503)
	}

	m.metrics.SessionsActive(count)
	m.logger.Infow("User signed in", "user_id", user.ID)
	return s, nil
}

func (m *SessionManager) remove(id domain.UserID, s *CallSession) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
	return len(m.sessions)
}

func (m *SessionManager) SignOut(ctx context.Context, userID domain.UserID) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("session")
	}

	count := m.remove(userID, s)
	s.Stop()
	m.metrics.SessionsActive(count)
	m.logger.Infow("User signed out", "user_id", userID)
	return nil
}

func (m *SessionManager) Get(userID domain.UserID) (ports.CallService, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return s, true
}

func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Users lists signed-in users in id order.
func (m *SessionManager) Users() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every session. Further sign-ins are refused.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[domain.UserID]*CallSession)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *CallSession) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	m.metrics.SessionsActive(0)
	m.logger.Infow("All sessions stopped", "count", len(sessions))
}
