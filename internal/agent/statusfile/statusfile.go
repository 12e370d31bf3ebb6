// Package statusfile maintains the per-session status sidecar: token usage,
// model, and cost written by the process wrapper on a tick and consumed by
// the session status line. Readers never block on it; a missing or stale
// file means "no data".
package statusfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/common/logger"
)

// Status is the sidecar document.
type Status struct {
	SessionUUID  string    `json:"sessionUuid"`
	Model        string    `json:"model,omitempty"`
	TotalCostUSD float64   `json:"totalCostUsd"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Writer accumulates usage updates and flushes them to disk on a tick.
// It implements agent.StatusRecorder.
type Writer struct {
	dir      string
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	status  Status
	dirty   bool
	stopped chan struct{}
	once    sync.Once
}

// NewWriter creates a status writer for one session.
func NewWriter(dir, sessionUUID string, interval time.Duration, log *logger.Logger) *Writer {
	return &Writer{
		dir:      dir,
		interval: interval,
		log:      log.WithFields(zap.String("component", "statusfile")),
		status:   Status{SessionUUID: sessionUUID},
		stopped:  make(chan struct{}),
	}
}

// Record absorbs a usage update from the event stream. Token counts are
// cumulative per turn on result events; keep the latest snapshot.
func (w *Writer) Record(model string, usage *agent.Usage, totalCostUSD float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if model != "" {
		w.status.Model = model
	}
	if usage != nil {
		w.status.InputTokens += usage.InputTokens
		w.status.OutputTokens += usage.OutputTokens
	}
	if totalCostUSD > 0 {
		w.status.TotalCostUSD = totalCostUSD
	}
	w.status.UpdatedAt = time.Now().UTC()
	w.dirty = true
}

// Run flushes on the configured tick until the context ends or Stop is
// called, then flushes one final time.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case <-w.stopped:
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// Stop ends the Run loop. Idempotent.
func (w *Writer) Stop() {
	w.once.Do(func() { close(w.stopped) })
}

// Remove deletes the sidecar, used when the session ends for good.
func (w *Writer) Remove() {
	if err := os.Remove(w.path()); err != nil && !os.IsNotExist(err) {
		w.log.Debug("status file remove failed", zap.Error(err))
	}
}

func (w *Writer) path() string {
	w.mu.Lock()
	uuid := w.status.SessionUUID
	w.mu.Unlock()
	return filepath.Join(w.dir, uuid+".json")
}

func (w *Writer) flush() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	snapshot := w.status
	w.dirty = false
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.log.Debug("status dir create failed", zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		w.log.Debug("status marshal failed", zap.Error(err))
		return
	}
	path := filepath.Join(w.dir, snapshot.SessionUUID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.log.Debug("status write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		w.log.Debug("status rename failed", zap.Error(err))
	}
}

// Read loads the sidecar for a session UUID. A missing file returns nil
// with no error.
func Read(dir, sessionUUID string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(dir, sessionUUID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
