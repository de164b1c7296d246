package notify

import (
	"context"
	"time"
)

// SetSleep replaces the rate-limit wait so tests run instantly.
func (f *Fanout) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	f.sleep = fn
}
