// Package appctx provides context helpers for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bounded by the timeout and the stop channel
// instead of a caller's cancellation. Use for deliveries that must outlive
// the sweep that triggered them but still end when the manager stops.
// stopCh may be nil.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
