package mesh

import (
	"context"
	"strings"

	"fiatjaf.com/nostr"
)

type relayClient interface {
	URL() string
	Publish(ctx context.Context, evt nostr.Event) error
	Subscribe(ctx context.Context, filter nostr.Filter, opts nostr.SubscriptionOptions) (*nostr.Subscription, error)
	Close()
}

// dialFunc opens a relay connection. Tests swap it for an in-memory relay.
type dialFunc func(ctx context.Context, url string) (relayClient, error)

func dialNostrRelay(ctx context.Context, url string) (relayClient, error) {
	r, err := nostr.RelayConnect(ctx, url, nostr.RelayOptions{})
	if err != nil {
		return nil, err
	}
	return &nostrRelayClient{relay: r}, nil
}

type nostrRelayClient struct {
	relay *nostr.Relay
}

func (r *nostrRelayClient) URL() string {
	if r == nil || r.relay == nil {
		return ""
	}
	return r.relay.URL
}

func (r *nostrRelayClient) Publish(ctx context.Context, evt nostr.Event) error {
	return r.relay.Publish(ctx, evt)
}

func (r *nostrRelayClient) Subscribe(ctx context.Context, filter nostr.Filter, opts nostr.SubscriptionOptions) (*nostr.Subscription, error) {
	return r.relay.Subscribe(ctx, filter, opts)
}

func (r *nostrRelayClient) Close() {
	if r == nil || r.relay == nil {
		return
	}
	r.relay.Close()
}

// ParseRelayURLs splits a comma-separated list, keeping unique ws/wss URLs in order.
func ParseRelayURLs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return normalizeRelayURLs(strings.Split(raw, ","))
}

func normalizeRelayURLs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, p := range in {
		u := strings.TrimSpace(p)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func ensureMeshTag(tags nostr.Tags) nostr.Tags {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == meshTagName && t[1] == meshTagValue {
			return tags
		}
	}
	return append(tags, nostr.Tag{meshTagName, meshTagValue})
}

func tagValue(tags nostr.Tags, name string) (string, bool) {
	t := tags.Find(name)
	if t == nil || len(t) < 2 {
		return "", false
	}
	return t[1], true
}
