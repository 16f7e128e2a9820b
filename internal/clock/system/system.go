// Package system is the wall clock used outside tests.
package system

import (
	"context"
	"fmt"
	"time"
)

// Clock reads time.Now in UTC and sleeps on real timers.
type Clock struct{}

// New returns a Clock.
func New() *Clock { return &Clock{} }

// Now returns the current UTC time.
func (Clock) Now() time.Time { return time.Now().UTC() }

// Sleep waits d. Politeness delays go through here, so a canceled crawl
// returns immediately instead of finishing its wait.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sleep %s: %w", d, err)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep %s: %w", d, ctx.Err())
	}
}
