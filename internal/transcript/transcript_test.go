package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.TranscriptConfig{
		Enabled: true,
		Driver:  "sqlite3",
		Path:    filepath.Join(t.TempDir(), "transcripts.db"),
	}
	s, err := Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndForThread(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &Entry{
		PlatformID: "mm", ThreadID: "t1", SessionID: "mm:t1",
		Username: "alice", Direction: DirectionInbound, Content: "fix the bug",
	}
	require.NoError(t, s.Append(ctx, first))
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	require.NoError(t, s.Append(ctx, &Entry{
		PlatformID: "mm", ThreadID: "t1", SessionID: "mm:t1",
		Direction: DirectionOutbound, Content: "on it",
	}))
	require.NoError(t, s.Append(ctx, &Entry{
		PlatformID: "mm", ThreadID: "t2", SessionID: "mm:t2",
		Direction: DirectionInbound, Content: "other thread",
	}))

	entries, err := s.ForThread(ctx, "mm", "t1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "fix the bug", entries[0].Content)
	assert.Equal(t, DirectionOutbound, entries[1].Direction)

	limited, err := s.ForThread(ctx, "mm", "t1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestForSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, &Entry{
		PlatformID: "mm", ThreadID: "t1", SessionID: "mm:t1",
		Direction: DirectionEvent, Content: "session started",
	}))

	entries, err := s.ForSession(ctx, "mm:t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DirectionEvent, entries[0].Direction)
}

func TestDeleteOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &Entry{
		PlatformID: "mm", ThreadID: "t1", SessionID: "mm:t1",
		Direction: DirectionInbound, Content: "ancient",
		CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour),
	}
	require.NoError(t, s.Append(ctx, old))
	require.NoError(t, s.Append(ctx, &Entry{
		PlatformID: "mm", ThreadID: "t1", SessionID: "mm:t1",
		Direction: DirectionInbound, Content: "recent",
	}))

	removed, err := s.DeleteOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := s.ForThread(ctx, "mm", "t1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].Content)
}

func TestActivityByDay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, &Entry{
		PlatformID: "mm", ThreadID: "t1", SessionID: "mm:t1",
		Direction: DirectionInbound, Content: "today",
	}))

	rows, err := s.ActivityByDay(ctx, 7)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Count)
}
