package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.json"), logger.Default())
	require.NoError(t, err)
	return s
}

func snapshot(id string, lastActivity time.Time) *Snapshot {
	platform, thread, _ := splitID(id)
	return &Snapshot{
		SessionID:      id,
		PlatformID:     platform,
		ThreadID:       thread,
		ChannelID:      "chan1",
		SessionUUID:    "uuid-" + thread,
		Username:       "alice",
		StartedAt:      lastActivity.Add(-time.Hour),
		LastActivityAt: lastActivity,
		State:          "active",
	}
}

func splitID(id string) (string, string, bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:], true
		}
	}
	return "", id, false
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	snap := snapshot("mm:t1", now)
	snap.PendingApproval = &PendingApprovalSnapshot{PostID: "p9", ToolUseID: "tu_1", Kind: "permission"}
	require.NoError(t, s.Save("mm:t1", snap))

	// Reopen from disk and compare: persist→load→persist is a fixed point.
	reopened, err := Open(s.Path(), logger.Default())
	require.NoError(t, err)
	got := reopened.Load()["mm:t1"]
	require.NotNil(t, got)

	want, _ := json.Marshal(snap)
	have, _ := json.Marshal(got)
	assert.JSONEq(t, string(want), string(have))
}

func TestSoftDeleteHidesFromActiveLoad(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.Save("mm:t1", snapshot("mm:t1", now)))
	require.NoError(t, s.Save("mm:t2", snapshot("mm:t2", now)))

	require.NoError(t, s.SoftDelete("mm:t1"))

	active := s.Load()
	assert.Len(t, active, 1)
	assert.Contains(t, active, "mm:t2")
	assert.Len(t, s.LoadAll(), 2)
}

func TestCleanStale(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.Save("mm:old", snapshot("mm:old", now.Add(-48*time.Hour))))
	require.NoError(t, s.Save("mm:new", snapshot("mm:new", now)))

	stale, err := s.CleanStale(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"mm:old"}, stale)
	assert.NotContains(t, s.Load(), "mm:old")
}

func TestCleanHistory(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	old := snapshot("mm:old", now.Add(-100*24*time.Hour))
	cleaned := now.Add(-40 * 24 * time.Hour)
	old.CleanedAt = &cleaned
	require.NoError(t, s.Save("mm:old", old))

	recent := snapshot("mm:recent", now)
	justCleaned := now.Add(-time.Hour)
	recent.CleanedAt = &justCleaned
	require.NoError(t, s.Save("mm:recent", recent))

	removed, err := s.CleanHistory(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Contains(t, s.LoadAll(), "mm:recent")
	assert.NotContains(t, s.LoadAll(), "mm:old")
}

func TestFindByPostID(t *testing.T) {
	s := openTestStore(t)
	snap := snapshot("mm:t1", time.Now().UTC())
	snap.SessionStartPostID = "header1"
	snap.LifecyclePostID = "notice1"
	require.NoError(t, s.Save("mm:t1", snap))

	assert.NotNil(t, s.FindByPostID("header1"))
	assert.NotNil(t, s.FindByPostID("notice1"))
	assert.Nil(t, s.FindByPostID("other"))
}

func TestHistorySortedNewestFirst(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	older := snapshot("mm:a", now.Add(-2*time.Hour))
	cleanedA := now.Add(-time.Hour)
	older.CleanedAt = &cleanedA
	require.NoError(t, s.Save("mm:a", older))

	newer := snapshot("mm:b", now.Add(-10*time.Minute))
	newer.TimedOut = true
	require.NoError(t, s.Save("mm:b", newer))

	active := snapshot("mm:c", now)
	require.NoError(t, s.Save("mm:c", active))

	// Other platform, should not appear.
	require.NoError(t, s.Save("slack:z", func() *Snapshot {
		sn := snapshot("slack:z", now)
		sn.TimedOut = true
		return sn
	}()))

	rows := s.History("mm", map[string]bool{"mm:c": true})
	require.Len(t, rows, 2)
	assert.Equal(t, "mm:b", rows[0].SessionID)
	assert.Equal(t, "mm:a", rows[1].SessionID)
}

func TestStickyAndEnabledSurviveClear(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("mm:t1", snapshot("mm:t1", time.Now().UTC())))
	require.NoError(t, s.SetStickyPostID("mm", "sticky1"))
	require.NoError(t, s.SetPlatformEnabled("mm", false))

	require.NoError(t, s.Clear())

	assert.Empty(t, s.Load())
	assert.Equal(t, "sticky1", s.StickyPostID("mm"))
	assert.False(t, s.PlatformEnabled("mm"))
	assert.True(t, s.PlatformEnabled("unknown"), "platforms default to enabled")
}

func TestNextSessionNumber(t *testing.T) {
	s := openTestStore(t)
	assert.Equal(t, 1, s.NextSessionNumber())

	snap := snapshot("mm:t1", time.Now().UTC())
	snap.SessionNumber = 7
	require.NoError(t, s.Save("mm:t1", snap))
	assert.Equal(t, 8, s.NextSessionNumber())
}

func TestMigrateV1Keys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	legacy := `{
		"version": 1,
		"sessions": {
			"thread123": {
				"platformId": "mm",
				"threadId": "thread123",
				"username": "alice",
				"state": "active",
				"timeoutPostId": "warn1",
				"lastActivityAt": "2026-08-20T10:00:00Z",
				"startedAt": "2026-08-20T09:00:00Z"
			},
			"thread456": {
				"username": "bob",
				"state": "paused",
				"lastActivityAt": "2026-08-20T10:00:00Z",
				"startedAt": "2026-08-20T09:00:00Z"
			}
		},
		"stickyPostIds": {"mm": "sticky9"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	s, err := Open(path, logger.Default())
	require.NoError(t, err)

	all := s.LoadAll()
	require.Len(t, all, 2)

	migrated := all["mm:thread123"]
	require.NotNil(t, migrated, "v1 key gains platform prefix")
	assert.Equal(t, "warn1", migrated.LifecyclePostID, "timeoutPostId renames")
	assert.Equal(t, "mm", migrated.PlatformID)

	fallback := all["default:thread456"]
	require.NotNil(t, fallback, "rows without platformId get the default prefix")
	assert.Equal(t, "default", fallback.PlatformID)
	assert.Equal(t, "thread456", fallback.ThreadID)

	assert.Equal(t, "sticky9", s.StickyPostID("mm"))

	// The migrated file was rewritten at the current version.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, CurrentVersion, doc.Version)
}

func TestAtomicWriteLeavesParseableFile(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save("mm:t1", snapshot("mm:t1", time.Now().UTC())))
		data, err := os.ReadFile(s.Path())
		require.NoError(t, err)
		var doc Document
		require.NoError(t, json.Unmarshal(data, &doc))
	}
	_, err := os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "no tmp file left behind")
}
