package session

import (
	"sync"
	"time"

	"github.com/threadline/threadline/internal/session/store"
)

// ID builds the canonical session ID for a platform thread.
func ID(platformID, threadID string) string {
	return platformID + ":" + threadID
}

// Registry tracks the live sessions and the interactive posts that route
// reactions back to them. One RWMutex guards everything; sessions themselves
// are mutated only by their own dispatcher.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session ID → session
	byThread map[string]string   // thread ID → session ID
	posts    map[string]string   // post ID → thread ID

	store *store.Store
}

// NewRegistry creates an empty registry backed by the given store for
// persisted-session lookups.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byThread: make(map[string]string),
		posts:    make(map[string]string),
		store:    st,
	}
}

// Register adds a session. Returns false when the thread already has one.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return false
	}
	r.sessions[s.ID] = s
	r.byThread[s.ThreadID] = s.ID
	return true
}

// Unregister removes a session and all its post routes.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	delete(r.byThread, s.ThreadID)
	for postID, threadID := range r.posts {
		if threadID == s.ThreadID {
			delete(r.posts, postID)
		}
	}
}

// Find returns the active session for a platform thread, or nil.
func (r *Registry) Find(platformID, threadID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[ID(platformID, threadID)]
}

// FindByThreadID returns the active session rooted at the thread, or nil.
func (r *Registry) FindByThreadID(threadID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byThread[threadID]; ok {
		return r.sessions[id]
	}
	return nil
}

// FindByPost resolves an interactive post back to its session, or nil.
func (r *Registry) FindByPost(postID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	threadID, ok := r.posts[postID]
	if !ok {
		return nil
	}
	if id, ok := r.byThread[threadID]; ok {
		return r.sessions[id]
	}
	return nil
}

// RegisterPost routes reactions on a post to the thread's session.
func (r *Registry) RegisterPost(postID, threadID string) {
	if postID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts[postID] = threadID
}

// UnregisterPost drops one post route.
func (r *Registry) UnregisterPost(postID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.posts, postID)
}

// ClearPostsForThread drops every post route of one thread.
func (r *Registry) ClearPostsForThread(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for postID, tid := range r.posts {
		if tid == threadID {
			delete(r.posts, postID)
		}
	}
}

// ForPlatform returns the active sessions of one platform.
func (r *Registry) ForPlatform(platformID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.PlatformID == platformID {
			out = append(out, s)
		}
	}
	return out
}

// All returns every active session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveWorkingDirs returns the working directory of every active session.
// The cleanup sweep skips worktrees one of them still claims.
func (r *Registry) ActiveWorkingDirs() []string {
	var dirs []string
	for _, s := range r.All() {
		if info, ok := s.Snapshot(); ok && info.WorkingDir != "" {
			dirs = append(dirs, info.WorkingDir)
		}
	}
	return dirs
}

// LastSessionActivity returns the most recent activity stamp across the
// active sessions, zero when none are running.
func (r *Registry) LastSessionActivity() time.Time {
	var last time.Time
	for _, s := range r.All() {
		if t := s.LastActivity(); t.After(last) {
			last = t
		}
	}
	return last
}

// Size returns the number of active sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// HasPaused reports whether the thread has a persisted but inactive session.
func (r *Registry) HasPaused(platformID, threadID string) bool {
	if r.Find(platformID, threadID) != nil {
		return false
	}
	return r.GetPersisted(platformID, threadID) != nil
}

// GetPersisted returns the thread's persisted snapshot, active or not.
func (r *Registry) GetPersisted(platformID, threadID string) *store.Snapshot {
	if r.store == nil {
		return nil
	}
	return r.store.FindByThread(platformID, threadID)
}

// GetPersistedByThreadID scans the store for a snapshot rooted at the thread.
func (r *Registry) GetPersistedByThreadID(threadID string) *store.Snapshot {
	if r.store == nil {
		return nil
	}
	for _, snap := range r.store.Load() {
		if snap.ThreadID == threadID {
			return snap
		}
	}
	return nil
}

// GetPersistedByPostID resolves a header or lifecycle post to its snapshot.
func (r *Registry) GetPersistedByPostID(postID string) *store.Snapshot {
	if r.store == nil {
		return nil
	}
	return r.store.FindByPostID(postID)
}
