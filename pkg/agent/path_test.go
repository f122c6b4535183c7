package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestResolveKnownPathDoesNotPoll(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	r.known(peerA, 0)
	res := NewPathResolver(PathResolverConfig{Finder: r, PollInterval: time.Hour, Logger: zerolog.Nop()})

	start := time.Now()
	id, err := res.Resolve(context.Background(), peerA)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("fast path should not wait, took %s", elapsed)
	}
	if id.Address != peerA {
		t.Fatalf("unexpected identity %+v", id)
	}
	if r.pathCalls[peerA] != 1 || r.requests[peerA] != 0 {
		t.Fatalf("expected one HasPath and no request, got %d calls %d requests", r.pathCalls[peerA], r.requests[peerA])
	}
}

func TestResolveAfterThreePolls(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	r.known(peerA, 3)
	res := NewPathResolver(PathResolverConfig{Finder: r, Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond, Logger: zerolog.Nop()})

	if _, err := res.Resolve(context.Background(), peerA); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.pathCalls[peerA] != 4 {
		t.Fatalf("expected initial check plus three polls, got %d HasPath calls", r.pathCalls[peerA])
	}
	if r.requests[peerA] != 1 {
		t.Fatalf("expected exactly one path request, got %d", r.requests[peerA])
	}
}

func TestResolveTimesOutAfterConfiguredTimeout(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	r.known(peerB, -1)
	timeout := 150 * time.Millisecond
	poll := 10 * time.Millisecond
	res := NewPathResolver(PathResolverConfig{Finder: r, Timeout: timeout, PollInterval: poll, Logger: zerolog.Nop()})

	start := time.Now()
	_, err := res.Resolve(context.Background(), peerB)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrPathTimeout) {
		t.Fatalf("expected ErrPathTimeout, got %v", err)
	}
	if elapsed < timeout {
		t.Fatalf("gave up early after %s", elapsed)
	}
	if elapsed > timeout+poll+250*time.Millisecond {
		t.Fatalf("gave up late after %s", elapsed)
	}
}

func TestResolveWakesOnPathNotification(t *testing.T) {
	t.Parallel()

	base := newFakeRouter()
	base.known(peerA, -1)
	r := &watchingRouter{fakeRouter: base, notify: make(chan struct{}, 1)}
	res := NewPathResolver(PathResolverConfig{Finder: r, Timeout: 5 * time.Second, PollInterval: time.Hour, Logger: zerolog.Nop()})

	go func() {
		time.Sleep(20 * time.Millisecond)
		base.mu.Lock()
		base.pathAfter[peerA] = 0
		base.mu.Unlock()
		r.notify <- struct{}{}
	}()

	start := time.Now()
	if _, err := res.Resolve(context.Background(), peerA); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("notification did not wake the wait, took %s", elapsed)
	}
}

func TestResolveIdentityUnknown(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	r.pathAfter[peerC] = 0
	res := NewPathResolver(PathResolverConfig{Finder: r, Logger: zerolog.Nop()})
	if _, err := res.Resolve(context.Background(), peerC); !errors.Is(err, ErrIdentityUnknown) {
		t.Fatalf("expected ErrIdentityUnknown, got %v", err)
	}
}

func TestResolveStopsOnCancel(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	r.known(peerB, -1)
	res := NewPathResolver(PathResolverConfig{Finder: r, Timeout: time.Minute, PollInterval: 10 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := res.Resolve(ctx, peerB); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}
