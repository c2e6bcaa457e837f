package security

import "time"

// IsTokenExpiredAt reports whether a token expiring at expiresAt is expired
// at now. A token is expired from expiresAt+grace onwards; a zero expiresAt
// never expires.
func IsTokenExpiredAt(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt.Add(grace))
}

// SecondsUntil returns the whole seconds from now until t, floored at zero.
func SecondsUntil(t, now time.Time) int64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
