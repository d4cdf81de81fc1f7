package backoff

import (
	"testing"
	"time"
)

func TestExponentialJitterBounds(t *testing.T) {
	base, max := 100*time.Millisecond, 2*time.Second
	tests := []struct {
		attempt int
		nominal time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, 2 * time.Second},
		{500, 2 * time.Second},
	}
	for _, tt := range tests {
		lo := tt.nominal - tt.nominal/5
		hi := tt.nominal + tt.nominal/5
		for i := 0; i < 200; i++ {
			got := ExponentialJitter(base, max, tt.attempt)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: %v outside [%v, %v]", tt.attempt, got, lo, hi)
			}
		}
	}
}

func TestExponentialJitterTiny(t *testing.T) {
	if got := ExponentialJitter(0, time.Second, 3); got != 0 {
		t.Fatalf("zero base = %v", got)
	}
	if got := ExponentialJitter(time.Nanosecond, time.Nanosecond, 1); got != time.Nanosecond {
		t.Fatalf("1ns = %v", got)
	}
}
