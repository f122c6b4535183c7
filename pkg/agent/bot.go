package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// AnnounceInterval of zero disables scheduled announces.
	AnnounceInterval     time.Duration
	MaxOutboundStampCost *int
	PathLookupTimeout    time.Duration
	Clock                Clock
	Logger               zerolog.Logger
	Metrics              *Metrics
}

// Bot is the echo agent: it announces itself and replies to every message
// the router hands it.
type Bot struct {
	router    Router
	announcer *Announcer
	pipeline  *Pipeline
	log       zerolog.Logger
}

func NewBot(router Router, cfg Config) *Bot {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	ep := router.Endpoint()
	announcer := NewAnnouncer(AnnouncerConfig{
		Broadcaster: router,
		Endpoint:    ep,
		Interval:    cfg.AnnounceInterval,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	pipeline := NewPipeline(PipelineConfig{
		Endpoint: ep,
		Paths: NewPathResolver(PathResolverConfig{
			Finder:  router,
			Timeout: cfg.PathLookupTimeout,
			Logger:  cfg.Logger.With().Str("component", "paths").Logger(),
			Metrics: cfg.Metrics,
		}),
		Policy:    NewDeliveryPolicy(PolicyConfig{Source: router, MaxOutboundStampCost: cfg.MaxOutboundStampCost}),
		Submitter: router,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})
	return &Bot{
		router:    router,
		announcer: announcer,
		pipeline:  pipeline,
		log:       cfg.Logger,
	}
}

func (b *Bot) Announcer() *Announcer { return b.announcer }
func (b *Bot) Pipeline() *Pipeline   { return b.pipeline }

// Run registers the reply pipeline, announces once and keeps announcing on
// schedule until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.router.OnMessage(b.pipeline.HandleMessage)
	ep := b.router.Endpoint()
	b.log.Info().Str("address", ep.Address.String()).Str("name", ep.DisplayName).Msg("echo bot running")
	_ = b.announcer.Announce(ctx)
	return b.announcer.Run(ctx)
}
