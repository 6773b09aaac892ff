package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a Store for tests and single-process deployments
// without Postgres. Safe for concurrent use.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	decisions map[string][]DecisionRecord
	seq       int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*Session),
		decisions: make(map[string][]DecisionRecord),
	}
}

func (s *InMemoryStore) GetOrCreate(ctx context.Context, id, sourceAddr string, ttl time.Duration) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return copySession(sess), nil
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		SourceAddr:   sourceAddr,
		Cookie:       Cookie(id),
		State:        StateActive,
		UnitsByTier:  make(map[int]string),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(ttl),
	}
	s.sessions[id] = sess
	return copySession(sess), nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copySession(sess), nil
}

func (s *InMemoryStore) Update(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sess.ID)
	}
	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *InMemoryStore) ListByState(ctx context.Context, states ...State) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0)
	for _, sess := range s.sessions {
		if len(states) == 0 || containsStateList(states, sess.State) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.State == StateActive && sess.ExpiresAt.Before(now) {
			out = append(out, copySession(sess))
		}
	}
	return out, nil
}

func (s *InMemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sess := range s.sessions {
		if sess.State == StateActive {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) AppendDecision(ctx context.Context, rec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		s.seq++
		rec.ID = fmt.Sprintf("dec-%d", s.seq)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.decisions[rec.SessionID] = append(s.decisions[rec.SessionID], rec)
	return nil
}

func (s *InMemoryStore) ListDecisions(ctx context.Context, sessionID string) ([]DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.decisions[sessionID]
	out := make([]DecisionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func copySession(sess *Session) *Session {
	dup := *sess
	dup.UnitsByTier = make(map[int]string, len(sess.UnitsByTier))
	for k, v := range sess.UnitsByTier {
		dup.UnitsByTier[k] = v
	}
	return &dup
}

func containsStateList(states []State, st State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}
