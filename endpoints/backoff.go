package endpoints

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits delay*n before the n-th retry.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(delay time.Duration) *linearBackOff {
	return &linearBackOff{delay: delay}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.delay * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
