// Package sessions provides file-based storage for named checkpoints of the
// sketch registry.
package sessions

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Default configuration values
const (
	DefaultSessionDir     = "./data/sessions"
	DefaultMaxSessionSize = 100 * 1024 * 1024 // 100MB
	DefaultMaxSessions    = 50
	SessionFileExtension  = ".json.gz"
	CurrentVersion        = 1
)

// Config contains session storage configuration.
type Config struct {
	// SessionDir is the directory where sessions are stored
	SessionDir string

	// MaxSessionSize is the maximum size of a single uncompressed session in bytes
	MaxSessionSize int64

	// MaxSessions is the maximum number of sessions to keep
	MaxSessions int
}

// DefaultConfig returns the default session storage configuration.
func DefaultConfig() Config {
	return Config{
		SessionDir:     DefaultSessionDir,
		MaxSessionSize: DefaultMaxSessionSize,
		MaxSessions:    DefaultMaxSessions,
	}
}

// Store is a file-based session storage.
type Store struct {
	config Config
	mu     sync.RWMutex
}

// New creates a new session store with default configuration.
func New() (*Store, error) {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new session store with the given configuration.
func NewWithConfig(config Config) (*Store, error) {
	if config.SessionDir == "" {
		config.SessionDir = DefaultSessionDir
	}
	if config.MaxSessionSize <= 0 {
		config.MaxSessionSize = DefaultMaxSessionSize
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}

	if err := os.MkdirAll(config.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	return &Store{
		config: config,
	}, nil
}

// Save writes a session to disk, replacing any session with the same ID.
func (s *Store) Save(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	if err := models.ValidateSessionName(session.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.listMetadataLocked()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	exists := false
	for _, meta := range sessions {
		if meta.ID == session.ID {
			exists = true
			break
		}
	}

	if !exists && len(sessions) >= s.config.MaxSessions {
		return models.ErrTooManySessions
	}

	session.Version = CurrentVersion
	if session.Created.IsZero() {
		session.Created = time.Now().UTC()
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	if int64(len(data)) > s.config.MaxSessionSize {
		return models.ErrSessionTooLarge
	}

	if err := s.writeGzip(s.sessionPath(session.ID), data); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}

	return nil
}

// Load loads a session from disk.
func (s *Store) Load(ctx context.Context, name string) (*models.Session, error) {
	if err := models.ValidateSessionName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadLocked(name)
}

func (s *Store) loadLocked(name string) (*models.Session, error) {
	data, err := s.readGzip(s.sessionPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}

	return &session, nil
}

// Delete removes a session from disk.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := models.ValidateSessionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.sessionPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return models.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("removing session file: %w", err)
	}

	return nil
}

// List returns metadata for all saved sessions, newest first.
func (s *Store) List(ctx context.Context) ([]*models.SessionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listMetadataLocked()
}

// GetMetadata returns metadata for a specific session.
func (s *Store) GetMetadata(ctx context.Context, name string) (*models.SessionMetadata, error) {
	if err := models.ValidateSessionName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.sessionPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat session file: %w", err)
	}

	session, err := s.loadLocked(name)
	if err != nil {
		return nil, err
	}

	meta := session.Metadata()
	meta.SizeBytes = info.Size()
	return &meta, nil
}

// Exists checks if a session exists.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := models.ValidateSessionName(name); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.sessionPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// sessionPath returns the file path for a session.
func (s *Store) sessionPath(name string) string {
	return filepath.Join(s.config.SessionDir, name+SessionFileExtension)
}

// listMetadataLocked lists all session metadata (must hold lock).
func (s *Store) listMetadataLocked() ([]*models.SessionMetadata, error) {
	entries, err := os.ReadDir(s.config.SessionDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var sessions []*models.SessionMetadata

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, SessionFileExtension) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue // Skip files we can't stat
		}

		session, err := s.loadLocked(strings.TrimSuffix(name, SessionFileExtension))
		if err != nil {
			continue // Skip corrupted files
		}

		meta := session.Metadata()
		meta.ID = strings.TrimSuffix(name, SessionFileExtension)
		meta.SizeBytes = info.Size()
		sessions = append(sessions, &meta)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.After(sessions[j].Created)
	})

	return sessions, nil
}

// writeGzip writes data to a gzip-compressed file through a temp file and
// rename, so readers never see a partial session.
func (s *Store) writeGzip(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	gw := gzip.NewWriter(tmp)
	if _, err := gw.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// readGzip reads data from a gzip-compressed file.
func (s *Store) readGzip(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}
