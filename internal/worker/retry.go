package worker

import "time"

// RetryPolicy controls how a failed replay is rescheduled. The delay for
// attempt n feeds the entry's next_retry_at gate, so a backed-off entry
// stays out of the drain batch until its window opens.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the backoff before the given attempt, 1-based.
// Out-of-range inputs fall back to sane values rather than erroring; a
// zero delay would spin the queue.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	initial := r.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= factor
		if r.MaxDelay > 0 && time.Duration(d) >= r.MaxDelay {
			return r.MaxDelay
		}
	}

	delay := time.Duration(d)
	if delay <= 0 {
		delay = time.Second
	}
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	return delay
}
