package queue

import "time"

// RetryPolicy maps attempts to delays. Attempts past the end of Backoff reuse
// its last entry.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}}
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	if n > len(p.Backoff) {
		n = len(p.Backoff)
	}
	return p.Backoff[n-1]
}

// Next returns the job's next attempt and how long to wait before it runs.
// ok is false once the job has no retries left.
func (p RetryPolicy) Next(j *Job, lastErr error) (next *Job, delay time.Duration, ok bool) {
	if j.RetriesLeft <= 0 {
		return nil, 0, false
	}
	cp := *j
	cp.Attempt++
	cp.RetriesLeft--
	if lastErr != nil {
		cp.LastError = lastErr.Error()
	}
	return &cp, p.Delay(j.Attempt), true
}
