package sticky

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform/platformtest"
	"github.com/threadline/threadline/internal/session/store"
)

type fakeProvider struct {
	rows []Row
}

func (f *fakeProvider) ActiveRows(string) []Row { return f.rows }

func newTestManager(t *testing.T) (*Manager, *platformtest.Adapter, *store.Store, *fakeProvider) {
	t.Helper()
	adapter := platformtest.New("mm")
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.json"), logger.Default())
	require.NoError(t, err)
	provider := &fakeProvider{}
	m := NewManager(adapter, st, provider, "threadline", "1.2.3", logger.Default())
	return m, adapter, st, provider
}

func TestRefreshCreatesAndPins(t *testing.T) {
	m, adapter, st, _ := newTestManager(t)
	m.Refresh(context.Background(), "chan1")

	postID := st.StickyPostID("mm")
	require.NotEmpty(t, postID)
	post, ok := adapter.Post(postID)
	require.True(t, ok)
	assert.Contains(t, post.Message, "threadline v1.2.3")
	assert.Contains(t, post.Message, "No active sessions")
	assert.True(t, adapter.Pinned[postID])
}

func TestRefreshUpdatesExistingPost(t *testing.T) {
	m, adapter, st, provider := newTestManager(t)
	ctx := context.Background()
	m.Refresh(ctx, "chan1")
	postID := st.StickyPostID("mm")

	provider.rows = []Row{{Username: "alice", ThreadID: "thread-abc-123", StartedAt: time.Now().Add(-5 * time.Minute), State: "working"}}
	m.Refresh(ctx, "chan1")

	assert.Equal(t, postID, st.StickyPostID("mm"), "post is reused")
	post, _ := adapter.Post(postID)
	assert.Contains(t, post.Message, "alice")
	assert.Contains(t, post.Message, "Active sessions (1)")
	assert.Len(t, adapter.Order, 1, "no duplicate sticky posts")
}

func TestRefreshRecreatesLostPost(t *testing.T) {
	m, adapter, st, _ := newTestManager(t)
	ctx := context.Background()
	m.Refresh(ctx, "chan1")
	first := st.StickyPostID("mm")

	require.NoError(t, adapter.DeletePost(ctx, first))
	m.Refresh(ctx, "chan1")

	second := st.StickyPostID("mm")
	assert.NotEqual(t, first, second)
	_, ok := adapter.Post(second)
	assert.True(t, ok)
	assert.True(t, adapter.Pinned[second])
}

func TestRefreshRepinsWhenUnpinned(t *testing.T) {
	m, adapter, st, _ := newTestManager(t)
	ctx := context.Background()
	m.Refresh(ctx, "chan1")
	postID := st.StickyPostID("mm")

	require.NoError(t, adapter.UnpinPost(ctx, postID))
	m.Refresh(ctx, "chan1")
	assert.True(t, adapter.Pinned[postID])
}

func TestRenderDisabledPlatform(t *testing.T) {
	m, adapter, st, _ := newTestManager(t)
	require.NoError(t, st.SetPlatformEnabled("mm", false))
	m.Refresh(context.Background(), "chan1")

	post, _ := adapter.Post(st.StickyPostID("mm"))
	assert.Contains(t, post.Message, "disabled")
}
