package reliability

import "time"

// IsRetryableHTTPStatus reports whether an outbound HTTP call that came
// back with this status is worth another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff returns the delay before retry number attempt,
// doubling from base up to cap. Deterministic; callers add jitter if
// they need it.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
