package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// session holds one conversation's records for MemStore.
type session struct {
	messages  []ChatMessage
	facts     []MemoryFact
	steps     []LogStep
	createdAt time.Time
	updatedAt time.Time
}

// MemStore is an in-process Store. It backs one-shot CLI runs and tests;
// nothing survives a restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[Key]*session
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[Key]*session)}
}

// getOrCreate must be called with mu held for writing.
func (s *MemStore) getOrCreate(key Key, now time.Time) *session {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{createdAt: now}
		s.sessions[key] = sess
	}
	sess.updatedAt = now
	return sess
}

// AppendMessage adds a message to the session transcript.
func (s *MemStore) AppendMessage(_ context.Context, key Key, role Role, content string) (*ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !validRole(role) {
		return nil, fmt.Errorf("invalid message role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	msg := ChatMessage{ID: newID(), Role: role, Content: content, Timestamp: now}
	sess := s.getOrCreate(key, now)
	sess.messages = append(sess.messages, msg)
	return &msg, nil
}

// Messages returns a copy of the transcript.
func (s *MemStore) Messages(_ context.Context, key Key) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return []ChatMessage{}, nil
	}
	return slices.Clone(sess.messages), nil
}

// AppendFacts adds facts to the session in one step.
func (s *MemStore) AppendFacts(_ context.Context, key Key, source Source, texts []string) ([]MemoryFact, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !validSource(source) {
		return nil, fmt.Errorf("invalid fact source %q", source)
	}
	texts = cleanFacts(texts)
	if len(texts) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess := s.getOrCreate(key, now)
	added := make([]MemoryFact, 0, len(texts))
	for _, text := range texts {
		added = append(added, MemoryFact{ID: newID(), Text: text, CreatedAt: now, Source: source})
	}
	sess.facts = append(sess.facts, added...)
	return added, nil
}

// Facts returns a copy of the session's facts.
func (s *MemStore) Facts(_ context.Context, key Key) ([]MemoryFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return []MemoryFact{}, nil
	}
	return slices.Clone(sess.facts), nil
}

// AppendStep records a step, stamping ID and timestamp.
func (s *MemStore) AppendStep(_ context.Context, key Key, step LogStep) (*LogStep, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	step.ID = newID()
	step.Timestamp = now
	sess := s.getOrCreate(key, now)
	sess.steps = append(sess.steps, step)
	return &step, nil
}

// Steps returns a copy of the step log.
func (s *MemStore) Steps(_ context.Context, key Key) ([]LogStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return []LogStep{}, nil
	}
	return slices.Clone(sess.steps), nil
}

// DeleteSession drops the session and everything in it.
func (s *MemStore) DeleteSession(_ context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

// Stats returns session and record counts.
func (s *MemStore) Stats(context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{"sessions": len(s.sessions)}
	for _, sess := range s.sessions {
		stats["messages"] += len(sess.messages)
		stats["facts"] += len(sess.facts)
		stats["steps"] += len(sess.steps)
	}
	return stats, nil
}
