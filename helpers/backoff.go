package helpers

import (
	"context"
	"time"
)

// Backoff is capped exponential delay for retry loops.
// Not safe for concurrent use, keep one per loop.
//
//	for {
//	  if err := op(); err == nil {
//	    break
//	  }
//	  if b.Sleep(ctx) != nil {
//	    return
//	  }
//	}
type Backoff struct {
	Min time.Duration
	Max time.Duration // 0 = no cap
	K   float64       // growth factor, default 2

	next time.Duration
}

// Next returns delay before upcoming attempt and grows the one after.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	k := b.K
	if k < 1 {
		k = 2
	}
	b.next = time.Duration(float64(d) * k)
	return d
}

// Reset after success, next delay is Min again.
func (b *Backoff) Reset() { b.next = 0 }

// Sleep waits Next() or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
