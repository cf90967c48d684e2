// Package timelock computes the mandatory review delay between a multi-sig
// transaction reaching the chain and its execution becoming permissible.
package timelock

import (
	"fmt"
	"time"
)

// Remaining returns how much of the delay is still outstanding at now.
// Never negative; zero for any now at or past submission+delay.
func Remaining(submission time.Time, delay time.Duration, now time.Time) time.Duration {
	if delay < 0 {
		delay = 0
	}
	rem := submission.Add(delay).Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// IsLocked reports whether execution is still gated. An already executed
// transaction is never considered locked.
func IsLocked(submission time.Time, delay time.Duration, now time.Time, executed bool) bool {
	if executed {
		return false
	}
	return Remaining(submission, delay, now) > 0
}

// Format renders a delay as "{h}h {m}m {s}s" for display. Presentation only,
// never authoritative.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
