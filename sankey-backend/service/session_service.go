package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gilchrisn/feature-sankey-service/pkg/grouping"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("session limit reached")
)

// SessionInfo summarizes a session for listings
type SessionInfo struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"createdAt"`
	Filters      models.Filters `json:"filters"`
	UniverseSize int            `json:"universeSize"`
	NodeCount    int            `json:"nodeCount"`
}

type sessionEntry struct {
	session   *session.Session
	createdAt time.Time
}

// SessionService owns the live exploration sessions
type SessionService struct {
	sessions map[string]*sessionEntry
	mutex    sync.RWMutex

	provider    grouping.Provider
	percentiles []float64
	maxSessions int
	logger      zerolog.Logger
}

// NewSessionService creates a new session service
func NewSessionService(provider grouping.Provider, defaultPercentiles []float64, maxSessions int, logger zerolog.Logger) *SessionService {
	return &SessionService{
		sessions:    make(map[string]*sessionEntry),
		provider:    provider,
		percentiles: defaultPercentiles,
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// Create starts a session and loads the universe for filters
func (s *SessionService) Create(ctx context.Context, filters models.Filters) (*session.Session, error) {
	s.mutex.Lock()
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		s.mutex.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrTooManySessions, s.maxSessions)
	}

	sessionID := uuid.New().String()
	sess := session.New(session.Options{
		ID:                 sessionID,
		Provider:           s.provider,
		DefaultPercentiles: s.percentiles,
		Logger:             s.logger,
	})
	sess.Start()
	s.sessions[sessionID] = &sessionEntry{session: sess, createdAt: time.Now()}
	s.mutex.Unlock()

	if err := sess.ApplyFilters(ctx, filters); err != nil {
		s.remove(sessionID)
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Int("feature_count", sess.UniverseSize()).
		Msg("Session created")
	return sess, nil
}

// Get retrieves a session by id
func (s *SessionService) Get(sessionID string) (*session.Session, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, exists := s.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return entry.session, nil
}

// Info summarizes one session
func (s *SessionService) Info(sessionID string) (SessionInfo, error) {
	s.mutex.RLock()
	entry, exists := s.sessions[sessionID]
	s.mutex.RUnlock()
	if !exists {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return info(sessionID, entry), nil
}

// List returns every session, oldest first
func (s *SessionService) List() []SessionInfo {
	s.mutex.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for id, entry := range s.sessions {
		infos = append(infos, info(id, entry))
	}
	s.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Delete stops and removes a session
func (s *SessionService) Delete(sessionID string) error {
	if !s.remove(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.logger.Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

// Close stops every session
func (s *SessionService) Close() {
	s.mutex.Lock()
	entries := s.sessions
	s.sessions = make(map[string]*sessionEntry)
	s.mutex.Unlock()

	for _, entry := range entries {
		entry.session.Close()
	}
}

func (s *SessionService) remove(sessionID string) bool {
	s.mutex.Lock()
	entry, exists := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mutex.Unlock()

	if exists {
		entry.session.Close()
	}
	return exists
}

func info(id string, entry *sessionEntry) SessionInfo {
	return SessionInfo{
		ID:           id,
		CreatedAt:    entry.createdAt,
		Filters:      entry.session.Filters(),
		UniverseSize: entry.session.UniverseSize(),
		NodeCount:    entry.session.Tree().Len(),
	}
}
