package tokenstore

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps tokens in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[Kind]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[Kind]string)}
}

func (s *MemoryStore) Get(_ context.Context, kind Kind) (string, error) {
	if !validKind(kind) {
		return "", &StoreError{Op: "get", Kind: kind, Err: errors.New("unknown token kind")}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[kind], nil
}

func (s *MemoryStore) Save(_ context.Context, kind Kind, value string) error {
	if !validKind(kind) {
		return &StoreError{Op: "save", Kind: kind, Err: errors.New("unknown token kind")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[kind] = value
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tokens)
	return nil
}
