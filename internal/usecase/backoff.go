// File: internal/usecase/backoff.go
package usecase

import "time"

// NextBackoff computes the delay before retry number `attempt` (1-based,
// the attempt that just failed). Exponential doubles from base, linear
// grows by base per attempt, fixed always waits base. All policies are
// clamped to cap.
func NextBackoff(policy string, base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch policy {
	case "linear":
		d = base * time.Duration(attempt)
	case "fixed":
		d = base
	default: // exponential
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if cap > 0 && d >= cap {
				d = cap
				break
			}
		}
	}
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}
