// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"time"
)

// Sleep waits for the duration or until ctx is canceled, whichever
// comes first. It returns true when the full duration elapsed.
func Sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
