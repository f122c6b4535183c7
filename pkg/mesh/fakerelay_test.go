package mesh

import (
	"context"
	"errors"
	"sync"

	"fiatjaf.com/nostr"
)

type fakeRelaySub struct {
	filter nostr.Filter
	sub    *nostr.Subscription
	closed bool
}

// fakeRelay is an in-memory store-and-forward relay: it keeps every
// published event and replays matching ones to new subscribers.
type fakeRelay struct {
	url      string
	mu       sync.Mutex
	down     bool
	events   []nostr.Event
	subs     []*fakeRelaySub
	publishN int
}

var errRelayDown = errors.New("relay down")

func newFakeRelay(url string) *fakeRelay {
	return &fakeRelay{url: url}
}

// conn returns a client handle whose Close leaves the shared relay running.
func (r *fakeRelay) conn() relayClient { return &fakeRelayConn{r} }

func (r *fakeRelay) setDown(down bool) {
	r.mu.Lock()
	r.down = down
	r.mu.Unlock()
}

func (r *fakeRelay) published() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.events...)
}

type fakeRelayConn struct{ r *fakeRelay }

func (c *fakeRelayConn) URL() string { return c.r.url }

func (c *fakeRelayConn) Publish(_ context.Context, evt nostr.Event) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errRelayDown
	}
	r.publishN++
	r.events = append(r.events, evt)
	for _, s := range r.subs {
		if s.closed || !matchesFilter(s.filter, evt) {
			continue
		}
		select {
		case s.sub.Events <- evt:
		default:
		}
	}
	return nil
}

func (c *fakeRelayConn) Subscribe(ctx context.Context, filter nostr.Filter, _ nostr.SubscriptionOptions) (*nostr.Subscription, error) {
	r := c.r
	sub := &nostr.Subscription{
		Filter: filter,
		Events: make(chan nostr.Event, 64),
	}
	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil, errRelayDown
	}
	entry := &fakeRelaySub{filter: filter, sub: sub}
	r.subs = append(r.subs, entry)
	for _, evt := range r.events {
		if !matchesFilter(filter, evt) {
			continue
		}
		select {
		case sub.Events <- evt:
		default:
		}
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s == entry {
				if !s.closed {
					close(s.sub.Events)
					s.closed = true
				}
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
	}()
	return sub, nil
}

func (c *fakeRelayConn) Close() {}

func matchesFilter(f nostr.Filter, evt nostr.Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Authors) > 0 {
		ok := false
		for _, a := range f.Authors {
			if a == evt.PubKey {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Since > 0 && evt.CreatedAt < f.Since {
		return false
	}
	for tagName, vals := range f.Tags {
		if len(vals) == 0 {
			continue
		}
		found := false
		for _, tag := range evt.Tags {
			if len(tag) < 2 || tag[0] != tagName {
				continue
			}
			for _, want := range vals {
				if tag[1] == want {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
