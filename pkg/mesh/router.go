package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	"github.com/rs/zerolog"
)

const (
	DefaultPathTTL              = 7 * 24 * time.Hour
	DefaultRatchetRotate        = 30 * time.Minute
	DefaultMaxOpportunisticSize = 16 * 1024
	DefaultTicketTTL            = 21 * 24 * time.Hour
	DefaultStampTimeout         = 5 * time.Second

	// MaxStampCost is the largest difficulty a 256-bit event id can meet.
	MaxStampCost = 256

	defaultRatchetKeep        = 8
	defaultPathRequestTimeout = 10 * time.Second
	defaultPublishTimeout     = 8 * time.Second
	defaultDialTimeout        = 10 * time.Second
	announceBackfillLimit     = 500
)

var (
	ErrNoRelays = errors.New("no connected relays")
	ErrNoPath   = errors.New("no path to destination")
)

type Options struct {
	Identity Identity
	Relays   []string
	Store    *Store
	Logger   zerolog.Logger

	// PathTTL is how long an announce keeps a path usable.
	PathTTL time.Duration
	// InboundStampCost is the proof-of-work difficulty required from senders. Zero disables it.
	InboundStampCost     int
	RatchetRotate        time.Duration
	MaxOpportunisticSize int
	// TicketTTL is the lifetime of tickets attached to outbound messages
	// while InboundStampCost is set.
	TicketTTL time.Duration
	// StampTimeout bounds the proof-of-work done for a peer's stamp cost.
	StampTimeout time.Duration
}

// Router is the mesh transport: it announces the local endpoint, tracks
// paths to peers from their announces, and sends and receives messages
// over Nostr relays.
type Router struct {
	identity Identity
	endpoint Endpoint
	store    *Store
	log      zerolog.Logger
	dial     dialFunc
	now      func() time.Time

	homeRelays           []string
	pathTTL              time.Duration
	inboundStampCost     int
	ratchetRotate        time.Duration
	maxOpportunisticSize int
	ticketTTL            time.Duration
	stampTimeout         time.Duration
	pathRequestTimeout   time.Duration

	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	relays         map[string]relayClient
	peers          map[Address]peerRecord
	ratchets       []ratchetRecord
	handler        InboundHandler
	pathWaiters    map[Address]map[chan struct{}]struct{}
	pathRequesting map[Address]struct{}

	seen *seenCache
	wg   sync.WaitGroup
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("router requires a store")
	}
	if opts.PathTTL <= 0 {
		opts.PathTTL = DefaultPathTTL
	}
	if opts.RatchetRotate <= 0 {
		opts.RatchetRotate = DefaultRatchetRotate
	}
	if opts.MaxOpportunisticSize <= 0 {
		opts.MaxOpportunisticSize = DefaultMaxOpportunisticSize
	}
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = DefaultTicketTTL
	}
	if opts.StampTimeout <= 0 {
		opts.StampTimeout = DefaultStampTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		identity:             opts.Identity,
		endpoint:             NewEndpoint(opts.Identity),
		store:                opts.Store,
		log:                  opts.Logger.With().Str("component", "router").Logger(),
		dial:                 dialNostrRelay,
		now:                  time.Now,
		homeRelays:           normalizeRelayURLs(opts.Relays),
		pathTTL:              opts.PathTTL,
		inboundStampCost:     opts.InboundStampCost,
		ratchetRotate:        opts.RatchetRotate,
		maxOpportunisticSize: opts.MaxOpportunisticSize,
		ticketTTL:            opts.TicketTTL,
		stampTimeout:         opts.StampTimeout,
		pathRequestTimeout:   defaultPathRequestTimeout,
		ctx:                  ctx,
		cancel:               cancel,
		relays:               make(map[string]relayClient),
		peers:                make(map[Address]peerRecord),
		pathWaiters:          make(map[Address]map[chan struct{}]struct{}),
		pathRequesting:       make(map[Address]struct{}),
		seen:                 newSeenCache(maxSeenEventsCache),
	}

	peers, err := r.store.LoadPeers()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load peers: %w", err)
	}
	for _, p := range peers {
		r.peers[p.Address] = p
	}
	ratchets, err := r.store.Ratchets(defaultRatchetKeep)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load ratchets: %w", err)
	}
	r.ratchets = ratchets
	if len(r.ratchets) == 0 {
		if err := r.rotateRatchet(); err != nil {
			cancel()
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) Endpoint() Endpoint { return r.endpoint }

// OnMessage registers the handler invoked once per inbound message.
func (r *Router) OnMessage(h InboundHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Start connects to the configured relays and begins receiving. It fails only
// when no relay could be reached.
func (r *Router) Start() error {
	if len(r.homeRelays) == 0 {
		return ErrNoRelays
	}
	var wg sync.WaitGroup
	for _, url := range r.homeRelays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if _, err := r.connect(url); err != nil {
				r.log.Warn().Err(err).Str("relay", url).Msg("relay connect failed")
			}
		}(url)
	}
	wg.Wait()

	r.mu.RLock()
	connected := make([]relayClient, 0, len(r.relays))
	for _, rc := range r.relays {
		connected = append(connected, rc)
	}
	r.mu.RUnlock()
	if len(connected) == 0 {
		return ErrNoRelays
	}
	for _, rc := range connected {
		r.listen(rc)
	}

	r.wg.Add(1)
	go r.ratchetLoop()
	r.log.Info().Str("address", r.endpoint.Address.String()).Int("relays", len(connected)).Msg("router started")
	return nil
}

func (r *Router) Close() {
	r.cancel()
	r.mu.Lock()
	relays := r.relays
	r.relays = make(map[string]relayClient)
	r.mu.Unlock()
	for _, rc := range relays {
		rc.Close()
	}
	r.wg.Wait()
}

// RelayURLs lists relays with a live connection.
func (r *Router) RelayURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.relays))
	for _, url := range r.homeRelays {
		if _, ok := r.relays[url]; ok {
			out = append(out, url)
		}
	}
	return out
}

func (r *Router) connect(url string) (relayClient, error) {
	r.mu.RLock()
	rc, ok := r.relays[url]
	r.mu.RUnlock()
	if ok {
		return rc, nil
	}
	ctx, cancel := context.WithTimeout(r.ctx, defaultDialTimeout)
	defer cancel()
	rc, err := r.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if existing, ok := r.relays[url]; ok {
		r.mu.Unlock()
		rc.Close()
		return existing, nil
	}
	r.relays[url] = rc
	r.mu.Unlock()
	r.log.Debug().Str("relay", url).Msg("relay connected")
	return rc, nil
}

func (r *Router) connectedRelays() []relayClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]relayClient, 0, len(r.relays))
	for _, rc := range r.relays {
		out = append(out, rc)
	}
	return out
}

func (r *Router) ratchetLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.ratchetRotate)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.rotateRatchet(); err != nil {
				r.log.Warn().Err(err).Msg("ratchet rotation failed")
			}
		}
	}
}

func (r *Router) rotateRatchet() error {
	rec := newRatchet(r.now())
	if err := r.store.SaveRatchet(rec); err != nil {
		return fmt.Errorf("save ratchet: %w", err)
	}
	if err := r.store.PruneRatchets(defaultRatchetKeep); err != nil {
		r.log.Warn().Err(err).Msg("ratchet prune failed")
	}
	r.mu.Lock()
	r.ratchets = append([]ratchetRecord{rec}, r.ratchets...)
	if len(r.ratchets) > defaultRatchetKeep {
		r.ratchets = r.ratchets[:defaultRatchetKeep]
	}
	r.mu.Unlock()
	r.log.Debug().Str("ratchet", RatchetID(rec.PubKey)).Msg("ratchet rotated")
	return nil
}

func (r *Router) currentRatchet() ratchetRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ratchets) == 0 {
		return ratchetRecord{}
	}
	return r.ratchets[0]
}

func (r *Router) ratchetSecret(id string) (nostr.SecretKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.ratchets {
		if RatchetID(rec.PubKey) != id {
			continue
		}
		sk, err := nostr.SecretKeyFromHex(rec.Secret)
		if err != nil {
			return nostr.SecretKey{}, false
		}
		return sk, true
	}
	return nostr.SecretKey{}, false
}

func (r *Router) peer(addr Address) (peerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[addr]
	return p, ok
}
