package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const resumeKey = "resume:pending"

// ResumeMarker records a connection attempt handed off to a wallet app via
// deep link. The next start-up consumes it to finish the connection.
type ResumeMarker struct {
	PageURL   string    `json:"page_url"`
	ChainID   string    `json:"chain_id"`
	DeepLink  string    `json:"deep_link"`
	CreatedAt time.Time `json:"created_at"`
}

// ResumeStore persists ResumeMarker values.
type ResumeStore interface {
	Save(marker ResumeMarker) error
	Load() (ResumeMarker, bool, error)
	Clear() error
}

// LevelDBResumeStore is the on-disk ResumeStore.
type LevelDBResumeStore struct {
	db *leveldb.DB
}

// OpenResumeStore opens (or creates) a LevelDB database at path.
func OpenResumeStore(path string) (*LevelDBResumeStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("resume store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve resume store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	return &LevelDBResumeStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBResumeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save overwrites the pending marker.
func (s *LevelDBResumeStore) Save(marker ResumeMarker) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("resume store not configured")
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode resume marker: %w", err)
	}
	return s.db.Put([]byte(resumeKey), payload, nil)
}

// Load returns the pending marker, if any.
func (s *LevelDBResumeStore) Load() (ResumeMarker, bool, error) {
	if s == nil || s.db == nil {
		return ResumeMarker{}, false, fmt.Errorf("resume store not configured")
	}
	payload, err := s.db.Get([]byte(resumeKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ResumeMarker{}, false, nil
	}
	if err != nil {
		return ResumeMarker{}, false, fmt.Errorf("read resume marker: %w", err)
	}
	var marker ResumeMarker
	if err := json.Unmarshal(payload, &marker); err != nil {
		return ResumeMarker{}, false, fmt.Errorf("decode resume marker: %w", err)
	}
	return marker, true, nil
}

// Clear removes the pending marker.
func (s *LevelDBResumeStore) Clear() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("resume store not configured")
	}
	return s.db.Delete([]byte(resumeKey), nil)
}
