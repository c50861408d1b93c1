package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// sessionRecord holds the tokens of one scope.
type sessionRecord struct {
	Tokens    map[Kind]string `json:"tokens"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// sessionFile is the on-disk layout; several scopes can share one file.
type sessionFile struct {
	Sessions map[string]*sessionRecord `json:"sessions"` // key = scope
}

// FileStore keeps tokens in a JSON file. Writes go through a lock file and
// an atomic rename so concurrent processes never see a torn file.
type FileStore struct {
	path   string
	scope  string
	policy lockPolicy
}

// NewFileStore returns a store that reads and writes scope's tokens in path.
func NewFileStore(path, scope string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("session file path cannot be empty")
	}
	if scope == "" {
		return nil, errors.New("session scope cannot be empty")
	}
	return &FileStore{path: path, scope: scope, policy: defaultLockPolicy}, nil
}

// Path returns the session file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, kind Kind) (string, error) {
	if !validKind(kind) {
		return "", &StoreError{Op: "get", Kind: kind, Err: errors.New("unknown token kind")}
	}

	contents, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", &StoreError{Op: "get", Kind: kind, Err: err}
	}

	rec, ok := contents.Sessions[s.scope]
	if !ok || rec == nil {
		return "", nil
	}
	return rec.Tokens[kind], nil
}

func (s *FileStore) Save(_ context.Context, kind Kind, value string) error {
	if !validKind(kind) {
		return &StoreError{Op: "save", Kind: kind, Err: errors.New("unknown token kind")}
	}

	err := s.update(func(contents *sessionFile) {
		rec := contents.Sessions[s.scope]
		if rec == nil {
			rec = &sessionRecord{}
			contents.Sessions[s.scope] = rec
		}
		if rec.Tokens == nil {
			rec.Tokens = make(map[Kind]string, len(Kinds))
		}
		rec.Tokens[kind] = value
		rec.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return &StoreError{Op: "save", Kind: kind, Err: err}
	}
	return nil
}

// Clear removes this scope's record, leaving other scopes in the file intact.
func (s *FileStore) Clear(_ context.Context) error {
	err := s.update(func(contents *sessionFile) {
		delete(contents.Sessions, s.scope)
	})
	if err != nil {
		return &StoreError{Op: "clear", Err: err}
	}
	return nil
}

func (s *FileStore) read() (*sessionFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var contents sessionFile
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if contents.Sessions == nil {
		contents.Sessions = make(map[string]*sessionRecord)
	}
	return &contents, nil
}

// update applies mutate to the file contents while holding the lock.
func (s *FileStore) update(mutate func(*sessionFile)) error {
	lock, err := acquireLock(s.path, s.policy)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	// Re-read inside the lock; a corrupt file is replaced rather than kept.
	contents, err := s.read()
	if err != nil {
		contents = &sessionFile{Sessions: make(map[string]*sessionRecord)}
	}

	mutate(contents)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
