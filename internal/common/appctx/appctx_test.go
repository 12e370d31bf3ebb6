package appctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetachedCancelsOnDone(t *testing.T) {
	done := make(chan struct{})
	ctx, cancel := Detached(done, time.Minute)
	defer cancel()

	assert.NoError(t, ctx.Err())
	close(done)

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after done closed")
	}
}

func TestDetachedTimesOut(t *testing.T) {
	ctx, cancel := Detached(nil, 10*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
		require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("context did not time out")
	}
}
