// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that is not tied to a parent's cancellation.
// Use it for operations that must finish even when the caller's request
// scope ends, such as a janitor sweep during shutdown. The context is
// cancelled when done closes or the timeout expires, whichever comes first.
func Detached(done <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
