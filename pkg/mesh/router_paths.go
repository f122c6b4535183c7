package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"fiatjaf.com/nostr"
)

var errUnknownRatchet = errors.New("message encrypted to unknown ratchet")

// HasPath reports whether a fresh announce from addr is known.
func (r *Router) HasPath(addr Address) bool {
	p, ok := r.peer(addr)
	if !ok {
		return false
	}
	return r.now().Sub(time.Unix(p.AnnouncedAt, 0)) < r.pathTTL
}

// RequestPath asks every connected relay for the latest announce of addr.
// It returns immediately; results arrive through the announce handler.
func (r *Router) RequestPath(addr Address) {
	pk, err := addr.pubKey()
	if err != nil {
		return
	}
	r.mu.Lock()
	if _, busy := r.pathRequesting[addr]; busy {
		r.mu.Unlock()
		return
	}
	r.pathRequesting[addr] = struct{}{}
	r.mu.Unlock()

	relays := r.connectedRelays()
	r.log.Debug().Str("peer", addr.Short()).Int("relays", len(relays)).Msg("requesting path")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pathRequesting, addr)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(r.ctx, r.pathRequestTimeout)
		defer cancel()
		filter := nostr.Filter{
			Kinds:   []nostr.Kind{KindAnnounce},
			Authors: []nostr.PubKey{pk},
			Limit:   1,
		}
		var wg sync.WaitGroup
		for _, rc := range relays {
			wg.Add(1)
			go func(rc relayClient) {
				defer wg.Done()
				sub, err := rc.Subscribe(ctx, filter, nostr.SubscriptionOptions{})
				if err != nil {
					r.log.Debug().Err(err).Str("relay", rc.URL()).Msg("path request failed")
					return
				}
				for {
					select {
					case <-ctx.Done():
						return
					case evt, ok := <-sub.Events:
						if !ok {
							return
						}
						if evt.PubKey != pk {
							continue
						}
						r.handleAnnounceEvent(evt)
						if r.HasPath(addr) {
							cancel()
							return
						}
					}
				}
			}(rc)
		}
		wg.Wait()
	}()
}

// WatchPath returns a channel signalled whenever an announce from addr is
// ingested. The returned func unregisters it.
func (r *Router) WatchPath(addr Address) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	set := r.pathWaiters[addr]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		r.pathWaiters[addr] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.pathWaiters[addr], ch)
			if len(r.pathWaiters[addr]) == 0 {
				delete(r.pathWaiters, addr)
			}
			r.mu.Unlock()
		})
	}
}

// Recall returns the identity behind addr if it ever announced.
func (r *Router) Recall(addr Address) (PeerIdentity, bool) {
	p, ok := r.peer(addr)
	if !ok {
		return PeerIdentity{}, false
	}
	return PeerIdentity{Address: p.Address, DisplayName: p.DisplayName}, true
}

func (r *Router) OutboundTicket(addr Address) (Ticket, bool) {
	t, ok, err := r.store.Ticket(addr, r.now())
	if err != nil {
		r.log.Warn().Err(err).Str("peer", addr.Short()).Msg("ticket lookup failed")
		return Ticket{}, false
	}
	return t, ok
}

// OutboundStampCost is the proof-of-work difficulty addr announced, if any.
func (r *Router) OutboundStampCost(addr Address) (int, bool) {
	p, ok := r.peer(addr)
	if !ok || !p.HasStampCost {
		return 0, false
	}
	return p.StampCost, true
}

// DeliveryLinkAvailable reports a live connection to a relay addr announced.
func (r *Router) DeliveryLinkAvailable(addr Address) bool {
	p, ok := r.peer(addr)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, url := range p.Relays {
		if _, ok := r.relays[url]; ok {
			return true
		}
	}
	return false
}

func (r *Router) CurrentRatchetID(addr Address) (string, bool) {
	p, ok := r.peer(addr)
	if !ok || p.Ratchet == "" {
		return "", false
	}
	id := RatchetID(p.Ratchet)
	return id, id != ""
}
