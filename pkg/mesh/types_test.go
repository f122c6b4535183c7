package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDeliveryResolvesOnce(t *testing.T) {
	t.Parallel()

	d := NewDelivery("abcd", MethodDirect)
	if outcome, _ := d.Outcome(); outcome != OutcomePending {
		t.Fatalf("expected pending, got %s", outcome)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := OutcomeDelivered
			if i%2 == 1 {
				outcome = OutcomeFailed
			}
			if d.Resolve(outcome, nil) {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if resolved != 1 {
		t.Fatalf("expected exactly one resolution, got %d", resolved)
	}
	select {
	case <-d.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
}

func TestDeliveryWaitHonoursContext(t *testing.T) {
	t.Parallel()

	d := NewDelivery("abcd", MethodOpportunistic)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := d.Wait(ctx)
	if outcome != OutcomePending || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected pending with deadline error, got %s %v", outcome, err)
	}

	failure := errors.New("boom")
	d.Resolve(OutcomeFailed, failure)
	outcome, err = d.Wait(context.Background())
	if outcome != OutcomeFailed || !errors.Is(err, failure) {
		t.Fatalf("expected failed with cause, got %s %v", outcome, err)
	}
}

func TestParseAddressAndMethod(t *testing.T) {
	t.Parallel()

	if _, err := ParseAddress("zz"); err == nil {
		t.Fatalf("expected invalid address to fail")
	}
	if got := parseMethod("OPPORTUNISTIC"); got != MethodOpportunistic {
		t.Fatalf("expected opportunistic, got %s", got)
	}
	if got := parseMethod("carrier-pigeon"); got != MethodDirect {
		t.Fatalf("expected unknown method to read as direct, got %s", got)
	}
	if got := Address("0123456789abcdef0123").Short(); got != "0123456789abcdef" {
		t.Fatalf("unexpected short form %q", got)
	}
}

func TestParseRelayURLs(t *testing.T) {
	t.Parallel()

	got := ParseRelayURLs(" wss://a.test , http://b.test,wss://a.test,ws://c.test ")
	if len(got) != 2 || got[0] != "wss://a.test" || got[1] != "ws://c.test" {
		t.Fatalf("unexpected relays %v", got)
	}
	if ParseRelayURLs("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}
