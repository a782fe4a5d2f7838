package bridge

import (
	"testing"
	"time"
)

func TestBackoffSecondsDoublesUpToCap(t *testing.T) {
	base := 2 * time.Second
	cap := 60 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 2^6=64, clamped to the cap
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		got := backoffSeconds(tc.attempt, base, cap)
		if got != tc.want {
			t.Errorf("backoffSeconds(%d, %s, %s) = %s, want %s", tc.attempt, base, cap, got, tc.want)
		}
	}
}

func TestBackoffSecondsRespectsCustomCap(t *testing.T) {
	base := 2 * time.Second
	cap := 10 * time.Second
	if got := backoffSeconds(10, base, cap); got != cap {
		t.Errorf("backoffSeconds(10, %s, %s) = %s, want the cap itself (%s)", base, cap, got, cap)
	}
}

func TestBackoffSecondsRespectsCustomBase(t *testing.T) {
	base := 3 * time.Second
	cap := 60 * time.Second
	if got := backoffSeconds(2, base, cap); got != 9*time.Second {
		t.Errorf("backoffSeconds(2, %s, %s) = %s, want %s", base, cap, got, 9*time.Second)
	}
}
