package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConnectionLimiterPerIPBurst(t *testing.T) {
	cl := NewConnectionLimiter(3, time.Minute, zerolog.Nop())
	defer cl.Stop()

	allowed := 0
	for i := 0; i < 5; i++ {
		if cl.Allow("1.2.3.4") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected burst of 3 allowed, got %d", allowed)
	}
}

func TestConnectionLimiterIndependentPerIP(t *testing.T) {
	cl := NewConnectionLimiter(1, time.Minute, zerolog.Nop())
	defer cl.Stop()

	if !cl.Allow("1.1.1.1") {
		t.Fatal("expected first connection from 1.1.1.1 to be allowed")
	}
	if !cl.Allow("2.2.2.2") {
		t.Fatal("expected first connection from a different IP to be allowed")
	}
	if cl.Allow("1.1.1.1") {
		t.Fatal("expected second immediate connection from 1.1.1.1 to be rejected")
	}
}

func TestPerKeyLimiterBurstAndIsolation(t *testing.T) {
	pl := NewPerKeyLimiter(2)

	if !pl.Allow("a") || !pl.Allow("a") {
		t.Fatal("expected burst of 2 to be allowed for key a")
	}
	if pl.Allow("a") {
		t.Fatal("expected third immediate action for key a to be rejected")
	}
	if !pl.Allow("b") {
		t.Fatal("expected key b to have its own independent bucket")
	}
}

func TestPerKeyLimiterRemove(t *testing.T) {
	pl := NewPerKeyLimiter(1)
	pl.Allow("a")
	pl.Remove("a")
	if !pl.Allow("a") {
		t.Fatal("expected a fresh bucket for key a after Remove")
	}
}
