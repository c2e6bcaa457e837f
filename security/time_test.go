package security

import (
	"testing"
	"time"
)

func TestIsTokenExpiredAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"zero expiry never expires", time.Time{}, 0, false},
		{"future", now.Add(time.Minute), 0, false},
		{"exactly now is expired", now, 0, true},
		{"past", now.Add(-time.Second), 0, true},
		{"past but within grace", now.Add(-3 * time.Second), 5 * time.Second, false},
		{"past beyond grace", now.Add(-6 * time.Second), 5 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiredAt(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsTokenExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSecondsUntil(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := SecondsUntil(now.Add(1800*time.Second), now); got != 1800 {
		t.Errorf("SecondsUntil() = %d, want 1800", got)
	}
	if got := SecondsUntil(now.Add(1500*time.Millisecond), now); got != 1 {
		t.Errorf("SecondsUntil() = %d, want 1", got)
	}
	if got := SecondsUntil(now.Add(-time.Minute), now); got != 0 {
		t.Errorf("SecondsUntil() in the past = %d, want 0", got)
	}
}
