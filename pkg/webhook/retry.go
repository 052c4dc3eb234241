package webhook

import "time"

// Retry policy defaults. The n-th failed attempt schedules the next try
// after base·2^(n−1), capped. Five failures walk 60s, 120s, 240s, 480s,
// 960s; the attempt after the limit dead-letters.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 60 * time.Second
	DefaultBackoffCap  = 24 * time.Hour
	DefaultBatchSize   = 10
	DefaultWorkerTick  = 30 * time.Second
	DeliveryTimeout    = 30 * time.Second
	responseBodyLimit  = 1000
)

// RetryPolicy decides how failed deliveries are rescheduled.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBackoffBase,
		Cap:         DefaultBackoffCap,
	}
}

// Delay returns how long to wait after the attempts-th failure.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether a delivery that has now failed attempts times
// should move to the dead-letter queue.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts > p.MaxAttempts
}
