package reclaim

import (
	"testing"
	"time"
)

func TestBackoffDoubling(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 60 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 64s capped
		{10, 60 * time.Second},
		{0, 2 * time.Second},  // clamped to attempt 1
		{-3, 2 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffHugeAttemptStaysCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}
	// Large exponents overflow float->duration conversion without the cap.
	if got := b.Delay(500); got != time.Minute {
		t.Errorf("got %v, want %v", got, time.Minute)
	}
}
