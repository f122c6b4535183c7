package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestAnnounceSchedule(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	t0 := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: t0}
	a := NewAnnouncer(AnnouncerConfig{Broadcaster: r, Endpoint: r.Endpoint(), Interval: time.Minute, Clock: clock, Logger: zerolog.Nop()})
	ctx := context.Background()

	steps := []struct {
		at    time.Duration
		total int
	}{
		{0, 1},                 // first ever
		{30 * time.Second, 1},  // too soon
		{time.Minute, 1},       // equal is not past
		{61 * time.Second, 2},  // due
		{90 * time.Second, 2},  // measured from the last announce
		{122 * time.Second, 3}, // due again
	}
	for _, s := range steps {
		clock.Set(t0.Add(s.at))
		a.onTick(ctx)
		if got := r.announceCount(); got != s.total {
			t.Fatalf("at +%s expected %d announces, got %d", s.at, s.total, got)
		}
	}
	if got := a.LastAnnouncedAt(); !got.Equal(t0.Add(122 * time.Second)) {
		t.Fatalf("unexpected last announced at %s", got)
	}
}

func TestAnnounceScheduleDisabled(t *testing.T) {
	t.Parallel()

	for _, interval := range []time.Duration{0, -time.Second} {
		r := newFakeRouter()
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		a := NewAnnouncer(AnnouncerConfig{Broadcaster: r, Endpoint: r.Endpoint(), Interval: interval, Clock: clock, Logger: zerolog.Nop()})
		if err := a.Announce(context.Background()); err != nil {
			t.Fatalf("startup announce: %v", err)
		}
		for i := 0; i < 5; i++ {
			clock.Set(clock.Now().Add(time.Hour))
			a.onTick(context.Background())
		}
		if got := r.announceCount(); got != 1 {
			t.Fatalf("interval %s: expected only the startup announce, got %d", interval, got)
		}
	}
}

func TestAnnounceTimestampMonotonic(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	t0 := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: t0}
	a := NewAnnouncer(AnnouncerConfig{Broadcaster: r, Endpoint: r.Endpoint(), Clock: clock, Logger: zerolog.Nop()})

	_ = a.Announce(context.Background())
	clock.Set(t0.Add(-time.Minute))
	_ = a.Announce(context.Background())
	if got := a.LastAnnouncedAt(); !got.Equal(t0) {
		t.Fatalf("timestamp moved backwards to %s", got)
	}
}

func TestAnnounceFailureKeepsTimestamp(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	r.announceErr = errors.New("no relays")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	logger, logs := testLogger(t)
	a := NewAnnouncer(AnnouncerConfig{Broadcaster: r, Endpoint: r.Endpoint(), Clock: clock, Logger: logger, Metrics: metrics})

	if err := a.Announce(context.Background()); err == nil {
		t.Fatalf("expected broadcast error to be returned")
	}
	if a.LastAnnouncedAt().IsZero() {
		t.Fatalf("failed announce must still record the attempt")
	}
	if got := testutil.ToFloat64(metrics.Announces.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected one failed announce counted, got %v", got)
	}
	if lines := logs.lines(); len(lines) != 1 {
		t.Fatalf("expected one warning line, got %v", lines)
	}
}

func TestAnnouncerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	r := newFakeRouter()
	a := NewAnnouncer(AnnouncerConfig{Broadcaster: r, Endpoint: r.Endpoint(), Interval: time.Hour, Logger: zerolog.Nop()})
	a.tick = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.announceCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.announceCount() != 1 {
		t.Fatalf("expected the first tick to announce once, got %d", r.announceCount())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("announce loop did not stop on cancel")
	}
}
