package webhook

import "time"

// DefaultBackoff is the base delay before retry n (1-based). The last entry
// caps every later retry.
var DefaultBackoff = []time.Duration{
	time.Second,
	5 * time.Second,
	15 * time.Second,
	time.Minute,
	5 * time.Minute,
}

const maxJitter = 0.10

// backoff returns the delay after the given failed attempt, plus up to 10%
// jitter. jitter must return a value in [0, 1).
func backoff(table []time.Duration, attempt int, jitter func() float64) time.Duration {
	if len(table) == 0 {
		table = DefaultBackoff
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(table) {
		i = len(table) - 1
	}
	base := table[i]
	return base + time.Duration(jitter()*maxJitter*float64(base))
}
