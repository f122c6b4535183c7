package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meshecho/pkg/mesh"
)

const (
	DefaultPathLookupTimeout = 15 * time.Second
	DefaultPathPollInterval  = 100 * time.Millisecond
)

type PathResolverConfig struct {
	Finder PathFinder
	// Timeout bounds the wait for a path. Zero means DefaultPathLookupTimeout.
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       zerolog.Logger
	Metrics      *Metrics
}

// PathResolver makes sure a route to a peer is known before replying.
type PathResolver struct {
	finder  PathFinder
	watcher PathWatcher
	timeout time.Duration
	poll    time.Duration
	log     zerolog.Logger
	metrics *Metrics
}

func NewPathResolver(cfg PathResolverConfig) *PathResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPathLookupTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPathPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	r := &PathResolver{
		finder:  cfg.Finder,
		timeout: cfg.Timeout,
		poll:    cfg.PollInterval,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
	if w, ok := cfg.Finder.(PathWatcher); ok {
		r.watcher = w
	}
	return r
}

// Resolve waits until a path to addr is known, then recalls the identity
// behind it.
func (r *PathResolver) Resolve(ctx context.Context, addr mesh.Address) (mesh.PeerIdentity, error) {
	if !r.finder.HasPath(addr) {
		start := time.Now()
		err := r.await(ctx, addr)
		r.metrics.PathResolve.Observe(time.Since(start).Seconds())
		if err != nil {
			return mesh.PeerIdentity{}, err
		}
	}
	id, ok := r.finder.Recall(addr)
	if !ok {
		return mesh.PeerIdentity{}, fmt.Errorf("%w: %s", ErrIdentityUnknown, addr.Short())
	}
	return id, nil
}

func (r *PathResolver) await(ctx context.Context, addr mesh.Address) error {
	var notify <-chan struct{}
	if r.watcher != nil {
		ch, stop := r.watcher.WatchPath(addr)
		defer stop()
		notify = ch
	}

	r.log.Debug().Str("peer", addr.Short()).Msg("requesting path")
	r.finder.RequestPath(addr)

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if r.finder.HasPath(addr) {
				return nil
			}
			return fmt.Errorf("%w after %s: %s", ErrPathTimeout, r.timeout, addr.Short())
		case <-ticker.C:
		case <-notify:
		}
		if r.finder.HasPath(addr) {
			return nil
		}
	}
}
