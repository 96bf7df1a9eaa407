// package memory holds an in-memory Store used by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Xuzeipan/ai-chat/pkg/store"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*store.Session
	messages map[string][]*store.Message
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*store.Session),
		messages: make(map[string][]*store.Message),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.UpdatedAt = at
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []*store.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		cp := *sess
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *Store) AppendMessage(ctx context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	return nil
}

func (s *Store) ListHistory(ctx context.Context, sessionID string) ([]*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}
