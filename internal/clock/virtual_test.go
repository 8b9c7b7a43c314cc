package clock

import (
	"testing"
	"time"
)

func TestVirtualAdvanceFiresDueTimers(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))

	var fired []string
	v.AfterFunc(10*time.Second, func() { fired = append(fired, "a") })
	v.AfterFunc(20*time.Second, func() { fired = append(fired, "b") })

	v.Advance(15 * time.Second)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("expected only 'a' to fire, got %v", fired)
	}

	v.Advance(10 * time.Second)
	if len(fired) != 2 || fired[1] != "b" {
		t.Fatalf("expected 'b' to fire next, got %v", fired)
	}
}

func TestVirtualTimerStop(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))

	fired := false
	timer := v.AfterFunc(5*time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected Stop to report the timer was active")
	}

	v.Advance(10 * time.Second)
	if fired {
		t.Fatal("stopped timer must not fire")
	}
}

func TestVirtualTimerReset(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))

	count := 0
	timer := v.AfterFunc(5*time.Second, func() { count++ })
	timer.Reset(15 * time.Second)

	v.Advance(10 * time.Second)
	if count != 0 {
		t.Fatalf("reset timer fired too early: count=%d", count)
	}

	v.Advance(10 * time.Second)
	if count != 1 {
		t.Fatalf("expected reset timer to fire once, count=%d", count)
	}
}
