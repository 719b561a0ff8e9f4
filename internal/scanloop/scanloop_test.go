package scanloop

import (
	"context"
	"testing"
	"time"
)

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ticks := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, time.Millisecond, 0, func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never ticked")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestJitterStaysWithinFraction(t *testing.T) {
	base := time.Second
	for i := 0; i < 1000; i++ {
		d := Jitter(base, 0.2)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("Jitter = %s, want within ±20%% of 1s", d)
		}
	}
}

func TestJitterPassthrough(t *testing.T) {
	if d := Jitter(0, 0.5); d != 0 {
		t.Fatalf("Jitter(0) = %s", d)
	}
	if d := Jitter(time.Second, 0); d != time.Second {
		t.Fatalf("Jitter with zero fraction = %s", d)
	}
}
