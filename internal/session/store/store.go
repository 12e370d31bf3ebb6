// Package store persists session snapshots, sticky post IDs, and per-platform
// enabled state in one JSON document. Every write goes through a tmp+rename
// so a crash mid-write leaves either the old or the new file, never a torn
// one.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// CurrentVersion is the on-disk schema version.
const CurrentVersion = 2

// Document is the whole persisted file.
type Document struct {
	Version              int                  `json:"version"`
	Sessions             map[string]*Snapshot `json:"sessions"`
	StickyPostIDs        map[string]string    `json:"stickyPostIds"`
	PlatformEnabledState map[string]bool      `json:"platformEnabledState"`
}

func newDocument() *Document {
	return &Document{
		Version:              CurrentVersion,
		Sessions:             map[string]*Snapshot{},
		StickyPostIDs:        map[string]string{},
		PlatformEnabledState: map[string]bool{},
	}
}

// Store is the file-backed session store. All operations are safe for
// concurrent use; writes serialize on one mutex.
type Store struct {
	path string
	log  *logger.Logger

	mu  sync.Mutex
	doc *Document
}

// Open loads (or initializes) the store at path, running schema migrations
// and rewriting the file if they changed anything.
func Open(path string, log *logger.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log.WithFields(zap.String("component", "session-store")),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = newDocument()
			return nil
		}
		return fmt.Errorf("read session store: %w", err)
	}

	doc, migrated, err := migrate(data)
	if err != nil {
		return fmt.Errorf("parse session store %s: %w", s.path, err)
	}
	s.doc = doc
	if migrated {
		s.log.Info("session store migrated", zap.Int("version", doc.Version))
		if err := s.persistLocked(); err != nil {
			return fmt.Errorf("rewrite migrated store: %w", err)
		}
	}
	return nil
}

// persistLocked writes the document atomically. Callers hold s.mu (or are
// in single-threaded init).
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename session store: %w", err)
	}
	return nil
}

// Load returns the active (not soft-deleted) snapshots.
func (s *Store) Load() map[string]*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Snapshot, len(s.doc.Sessions))
	for id, snap := range s.doc.Sessions {
		if snap.CleanedAt == nil {
			out[id] = snap
		}
	}
	return out
}

// LoadAll returns every snapshot including soft-deleted rows.
func (s *Store) LoadAll() map[string]*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Snapshot, len(s.doc.Sessions))
	for id, snap := range s.doc.Sessions {
		out[id] = snap
	}
	return out
}

// Save upserts one snapshot and persists.
func (s *Store) Save(sessionID string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sessions[sessionID] = snap
	return s.persistLocked()
}

// Remove hard-deletes one row and persists.
func (s *Store) Remove(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Sessions[sessionID]; !ok {
		return nil
	}
	delete(s.doc.Sessions, sessionID)
	return s.persistLocked()
}

// SoftDelete stamps cleanedAt on one row; the row stays for history until
// retention purges it.
func (s *Store) SoftDelete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.doc.Sessions[sessionID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	snap.CleanedAt = &now
	return s.persistLocked()
}

// CleanStale soft-deletes every active row whose lastActivityAt is older
// than maxAge and returns the affected session IDs.
func (s *Store) CleanStale(maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	now := time.Now().UTC()
	var stale []string
	for id, snap := range s.doc.Sessions {
		if snap.CleanedAt == nil && snap.LastActivityAt.Before(cutoff) {
			snap.CleanedAt = &now
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)
	return stale, s.persistLocked()
}

// CleanHistory hard-deletes soft-deleted rows older than retention.
func (s *Store) CleanHistory(retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	removed := 0
	for id, snap := range s.doc.Sessions {
		if snap.CleanedAt != nil && snap.CleanedAt.Before(cutoff) {
			delete(s.doc.Sessions, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

// FindByThread returns the snapshot for a platform+thread, active or not.
func (s *Store) FindByThread(platformID, threadID string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.doc.Sessions {
		if snap.PlatformID == platformID && snap.ThreadID == threadID {
			return snap
		}
	}
	return nil
}

// FindByPostID scans all rows for one whose session header or lifecycle
// post matches; used to resume paused sessions from a reaction.
func (s *Store) FindByPostID(postID string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.doc.Sessions {
		if snap.SessionStartPostID == postID || snap.LifecyclePostID == postID {
			return snap
		}
	}
	return nil
}

// History returns soft-deleted and timed-out rows for one platform, newest
// first, excluding currently active session IDs.
func (s *Store) History(platformID string, activeIDs map[string]bool) []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*Snapshot
	for id, snap := range s.doc.Sessions {
		if snap.PlatformID != platformID || activeIDs[id] {
			continue
		}
		if snap.CleanedAt != nil || snap.TimedOut {
			rows = append(rows, snap)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].LastActivityAt.After(rows[j].LastActivityAt)
	})
	return rows
}

// NextSessionNumber returns a monotonic session number across all rows.
func (s *Store) NextSessionNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, snap := range s.doc.Sessions {
		if snap.SessionNumber > max {
			max = snap.SessionNumber
		}
	}
	return max + 1
}

// StickyPostID returns the sticky post ID for a platform.
func (s *Store) StickyPostID(platformID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StickyPostIDs[platformID]
}

// SetStickyPostID records the sticky post ID for a platform.
func (s *Store) SetStickyPostID(platformID, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if postID == "" {
		delete(s.doc.StickyPostIDs, platformID)
	} else {
		s.doc.StickyPostIDs[platformID] = postID
	}
	return s.persistLocked()
}

// PlatformEnabled reports whether a platform is enabled; platforms default
// to enabled when no row exists.
func (s *Store) PlatformEnabled(platformID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, ok := s.doc.PlatformEnabledState[platformID]
	if !ok {
		return true
	}
	return enabled
}

// SetPlatformEnabled records a platform's enabled state.
func (s *Store) SetPlatformEnabled(platformID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.PlatformEnabledState[platformID] = enabled
	return s.persistLocked()
}

// Clear drops all session rows but preserves sticky post IDs and platform
// enabled state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sessions = map[string]*Snapshot{}
	return s.persistLocked()
}
