// Package cleanup runs the background janitor: transcript retention and
// stale worktree removal on one ticker. Every failure is logged and
// swallowed; the janitor never takes the bridge down.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/appctx"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/transcript"
	"github.com/threadline/threadline/internal/worktree"
)

// Defaults, used when the config leaves the knobs zero.
const (
	defaultInterval    = time.Hour
	defaultWorktreeAge = 24 * time.Hour
	defaultRetention   = 30 * 24 * time.Hour

	// sweepTimeout bounds one pass. Sweeps run detached from the run
	// context so a shutdown does not abort a retention delete halfway.
	sweepTimeout = 5 * time.Minute
)

// ActiveSet reports the paths active sessions currently occupy. The session
// registry implements it.
type ActiveSet interface {
	ActiveWorkingDirs() []string
}

// Scheduler sweeps transcripts and worktrees on an interval.
type Scheduler struct {
	cfg         config.Config
	transcripts *transcript.Store
	worktrees   *worktree.Manager
	active      ActiveSet
	bus         bus.EventBus
	log         *logger.Logger
}

// New builds the janitor. transcripts, worktrees, active, and eventBus may
// each be nil; the corresponding work is skipped.
func New(cfg config.Config, transcripts *transcript.Store, worktrees *worktree.Manager, active ActiveSet, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		transcripts: transcripts,
		worktrees:   worktrees,
		active:      active,
		bus:         eventBus,
		log:         log.WithFields(zap.String("component", "cleanup")),
	}
}

// Run sweeps until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := defaultInterval
	if m := s.cfg.Cleanup.IntervalMinutes; m > 0 {
		interval = time.Duration(m) * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweepCtx, cancel := appctx.Detached(nil, sweepTimeout)
			s.Sweep(sweepCtx)
			cancel()
		}
	}
}

// Sweep runs one janitor pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.pruneTranscripts(ctx)
	if removed := s.cleanWorktrees(ctx); removed > 0 {
		s.requestStickyRefresh(ctx)
	}
}

func (s *Scheduler) pruneTranscripts(ctx context.Context) {
	if s.transcripts == nil || !s.cfg.Transcript.Enabled {
		return
	}
	retention := defaultRetention
	if d := s.cfg.Transcript.RetentionDays; d > 0 {
		retention = time.Duration(d) * 24 * time.Hour
	}
	n, err := s.transcripts.DeleteOlderThan(ctx, retention)
	if err != nil {
		s.log.Warn("transcript retention failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("transcripts pruned", zap.Int64("rows", n))
	}
}

// cleanWorktrees walks the central worktree directory and removes the stale
// entries. Returns how many were removed.
func (s *Scheduler) cleanWorktrees(ctx context.Context) int {
	if s.worktrees == nil {
		return 0
	}
	dirs, err := s.worktrees.ManagedDirs()
	if err != nil {
		s.log.Warn("worktree listing failed", zap.Error(err))
		return 0
	}

	maxAge := defaultWorktreeAge
	if h := s.cfg.Cleanup.WorktreeMaxAgeHours; h > 0 {
		maxAge = time.Duration(h) * time.Hour
	}
	claimed := map[string]bool{}
	if s.active != nil {
		for _, dir := range s.active.ActiveWorkingDirs() {
			claimed[dir] = true
		}
	}

	removed := 0
	for _, dir := range dirs {
		if claimed[dir] {
			continue
		}
		meta, err := worktree.ReadMetadata(dir)
		if err != nil {
			s.log.Warn("worktree sidecar unreadable", zap.String("path", dir), zap.Error(err))
			continue
		}
		if meta == nil {
			// Not one of ours, or the sidecar was lost; either way the dir
			// is orphaned inside the managed base.
			if s.remove(ctx, dir, &worktree.Info{WorktreePath: dir}, "no metadata") {
				removed++
			}
			continue
		}

		age := time.Since(lastActivity(meta))
		if age < maxAge {
			continue
		}
		info := &worktree.Info{RepoRoot: meta.RepoRoot, WorktreePath: dir, Branch: meta.Branch}
		reason := fmt.Sprintf("inactive for %dh", int(age.Hours()))
		if merged, _ := s.worktrees.IsBranchMerged(ctx, meta.RepoRoot, meta.Branch); merged {
			reason = "branch merged"
		}
		if s.remove(ctx, dir, info, reason) {
			removed++
		}
	}
	return removed
}

func (s *Scheduler) remove(ctx context.Context, dir string, info *worktree.Info, reason string) bool {
	if err := s.worktrees.Remove(ctx, info); err != nil {
		s.log.Warn("worktree cleanup failed", zap.String("path", dir), zap.Error(err))
		return false
	}
	s.log.Info("worktree removed", zap.String("path", dir), zap.String("reason", reason))
	return true
}

// requestStickyRefresh tells every platform's sticky manager that the
// worktree landscape changed. Empty platform ID means all.
func (s *Scheduler) requestStickyRefresh(ctx context.Context) {
	if s.bus == nil {
		return
	}
	evt, err := bus.NewPayloadEvent(events.StickyRefreshRequested, "cleanup", events.PlatformPayload{})
	if err != nil {
		s.log.Warn("sticky refresh event build failed", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, events.StickyRefreshRequested, evt); err != nil {
		s.log.Warn("sticky refresh publish failed", zap.Error(err))
	}
}

// lastActivity prefers the sidecar's activity stamp, falling back to the
// creation time for sidecars written before the first touch.
func lastActivity(meta *worktree.Metadata) time.Time {
	if !meta.LastActivityAt.IsZero() {
		return meta.LastActivityAt
	}
	return meta.CreatedAt
}
