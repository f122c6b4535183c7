package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshecho/pkg/mesh"
)

// AnnounceTick is how often the scheduler checks whether an announce is due.
const AnnounceTick = time.Second

type AnnouncerConfig struct {
	Broadcaster Broadcaster
	Endpoint    mesh.Endpoint
	// Interval between scheduled announces. Zero or negative disables them;
	// the startup announce still happens.
	Interval time.Duration
	Clock    Clock
	Logger   zerolog.Logger
	Metrics  *Metrics
}

// Announcer publishes the local endpoint's reachability and owns the
// last-announced timestamp.
type Announcer struct {
	b        Broadcaster
	endpoint mesh.Endpoint
	interval time.Duration
	clock    Clock
	tick     time.Duration
	log      zerolog.Logger
	metrics  *Metrics

	mu              sync.Mutex
	lastAnnouncedAt time.Time
}

func NewAnnouncer(cfg AnnouncerConfig) *Announcer {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Announcer{
		b:        cfg.Broadcaster,
		endpoint: cfg.Endpoint,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		tick:     AnnounceTick,
		log:      cfg.Logger.With().Str("component", "announcer").Logger(),
		metrics:  cfg.Metrics,
	}
}

// Announce records the current time and broadcasts the endpoint. A failed
// broadcast is logged and returned but the timestamp stays recorded.
func (a *Announcer) Announce(ctx context.Context) error {
	now := a.clock.Now()
	a.mu.Lock()
	if now.After(a.lastAnnouncedAt) {
		a.lastAnnouncedAt = now
	}
	a.mu.Unlock()

	if err := a.b.Announce(ctx, a.endpoint); err != nil {
		a.metrics.Announces.WithLabelValues("error").Inc()
		a.log.Warn().Err(err).Msg("announce failed")
		return err
	}
	a.metrics.Announces.WithLabelValues("ok").Inc()
	a.log.Info().Str("address", a.endpoint.Address.String()).Str("name", a.endpoint.DisplayName).Msg("announced")
	return nil
}

func (a *Announcer) LastAnnouncedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAnnouncedAt
}

func (a *Announcer) shouldAnnounce(now time.Time) bool {
	if a.interval <= 0 {
		return false
	}
	last := a.LastAnnouncedAt()
	return last.IsZero() || now.After(last.Add(a.interval))
}

// Run checks every tick whether an announce is due until ctx is done.
func (a *Announcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.onTick(ctx)
		}
	}
}

func (a *Announcer) onTick(ctx context.Context) {
	if a.shouldAnnounce(a.clock.Now()) {
		_ = a.Announce(ctx)
	}
}
