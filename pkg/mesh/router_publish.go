package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip13"
)

// Announce publishes the reachability of ep on every connected relay.
func (r *Router) Announce(ctx context.Context, ep Endpoint) error {
	data := announcePayload{
		Name:    ep.DisplayName,
		Relays:  r.RelayURLs(),
		Ratchet: r.currentRatchet().PubKey,
	}
	if r.inboundStampCost > 0 {
		cost := r.inboundStampCost
		data.StampCost = &cost
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindAnnounce,
		Tags:      ensureMeshTag(nil),
		Content:   string(body),
	}
	if err := evt.Sign(r.identity.Secret); err != nil {
		return err
	}
	okCount, errs := r.publishEventToRelays(ctx, evt, r.connectedRelays())
	if okCount == 0 {
		return fmt.Errorf("announce failed on all relays: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Submit validates msg and hands it to a background sender. The returned
// Delivery resolves once, when publishing succeeded on at least one relay or
// failed everywhere.
func (r *Router) Submit(ctx context.Context, msg *OutboundMessage) (*Delivery, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	target, err := msg.Destination.pubKey()
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	peer, ok := r.peer(msg.Destination)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPath, msg.Destination.Short())
	}
	fields, err := r.withTicket(msg.Destination, msg.Fields)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(messagePayload{
		Title:   msg.Title,
		Content: string(msg.Content),
		Fields:  fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	method := msg.Method
	if method == MethodOpportunistic && (peer.Ratchet == "" || len(body) > r.maxOpportunisticSize) {
		method = MethodDirect
	}
	d := NewDelivery(msg.Destination, method)

	// The send outlives neither the caller nor the router.
	sctx, cancel := context.WithCancel(r.ctx)
	stop := context.AfterFunc(ctx, cancel)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer stop()
		err := r.send(sctx, target, peer, method, string(body))
		if err != nil {
			r.log.Debug().Err(err).Str("peer", msg.Destination.Short()).Msg("send failed")
			d.Resolve(OutcomeFailed, err)
			return
		}
		d.Resolve(OutcomeDelivered, nil)
	}()
	return d, nil
}

// withTicket returns fields carrying our ticket for addr when we charge
// stamps. The caller's map is not modified.
func (r *Router) withTicket(addr Address, fields map[string]interface{}) (map[string]interface{}, error) {
	if r.inboundStampCost <= 0 {
		return fields, nil
	}
	now := r.now()
	t, ok, err := r.store.IssuedTicket(addr, now.Add(r.ticketTTL/2))
	if err != nil {
		return nil, fmt.Errorf("ticket lookup: %w", err)
	}
	if !ok {
		t = newTicket(now, r.ticketTTL)
		if err := r.store.SaveIssuedTicket(addr, t); err != nil {
			return nil, fmt.Errorf("ticket save: %w", err)
		}
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["ticket"] = ticketField(t)
	return out, nil
}

func (r *Router) send(ctx context.Context, target nostr.PubKey, peer peerRecord, method Method, plaintext string) error {
	encKey := target
	enc := encIdentity
	if method == MethodOpportunistic {
		rpk, err := nostr.PubKeyFromHex(peer.Ratchet)
		if err != nil {
			return fmt.Errorf("bad ratchet key: %w", err)
		}
		encKey = rpk
		enc = encRatchet + ":" + RatchetID(peer.Ratchet)
	}
	ciphertext, err := encryptFor(r.identity.Secret, encKey, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	evt := nostr.Event{
		PubKey:    r.identity.Secret.Public(),
		CreatedAt: nostr.Now(),
		Kind:      KindMessage,
		Tags: ensureMeshTag(nostr.Tags{
			nostr.Tag{"p", target.Hex()},
			nostr.Tag{"m", string(method)},
			nostr.Tag{"enc", enc},
		}),
		Content: ciphertext,
	}
	if t, ok := r.OutboundTicket(peer.Address); ok {
		evt.Tags = append(evt.Tags, nostr.Tag{"ticket", t.Value})
	} else if peer.HasStampCost {
		if peer.StampCost > MaxStampCost {
			return fmt.Errorf("stamp cost %d exceeds %d", peer.StampCost, MaxStampCost)
		}
		wctx, cancel := context.WithTimeout(ctx, r.stampTimeout)
		nonce, err := nip13.DoWork(wctx, evt, peer.StampCost)
		cancel()
		if err != nil {
			return fmt.Errorf("stamp: %w", err)
		}
		evt.Tags = append(evt.Tags, nonce)
	}
	if err := evt.Sign(r.identity.Secret); err != nil {
		return err
	}

	if method == MethodOpportunistic {
		okCount, errs := r.publishEventToRelays(ctx, evt, r.connectedRelays())
		if okCount == 0 {
			return fmt.Errorf("opportunistic publish failed: %s", strings.Join(errs, "; "))
		}
		return nil
	}
	return r.publishDirect(ctx, evt, peer)
}

// publishDirect opens connections to the relays the peer announced and
// publishes there, falling back to our own relays.
func (r *Router) publishDirect(ctx context.Context, evt nostr.Event, peer peerRecord) error {
	primary := make([]relayClient, 0, len(peer.Relays))
	for _, url := range peer.Relays {
		rc, err := r.connect(url)
		if err != nil {
			r.log.Debug().Err(err).Str("relay", url).Msg("peer relay unreachable")
			continue
		}
		primary = append(primary, rc)
	}
	if len(primary) > 0 {
		okPrimary, errsPrimary := r.publishEventToRelays(ctx, evt, primary)
		if okPrimary > 0 {
			return nil
		}
		r.log.Debug().Str("peer", peer.Address.Short()).Str("errors", strings.Join(errsPrimary, "; ")).Msg("peer relays rejected message")
	}
	fallback := splitRelays(r.connectedRelays(), primary)
	okFallback, errs := r.publishEventToRelays(ctx, evt, fallback)
	if okFallback == 0 {
		return fmt.Errorf("publish failed on peer relays and fallback relays: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Router) publishEventToRelays(ctx context.Context, evt nostr.Event, relays []relayClient) (int, []string) {
	if len(relays) == 0 {
		return 0, []string{ErrNoRelays.Error()}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		okCount int
	)
	errs := make([]string, 0, len(relays))
	for _, relay := range relays {
		wg.Add(1)
		go func(rc relayClient) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
			defer cancel()
			err := rc.Publish(pctx, evt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", rc.URL(), err))
				return
			}
			okCount++
		}(relay)
	}
	wg.Wait()
	return okCount, errs
}

func splitRelays(all []relayClient, exclude []relayClient) []relayClient {
	skip := make(map[string]struct{}, len(exclude))
	for _, rc := range exclude {
		skip[rc.URL()] = struct{}{}
	}
	out := make([]relayClient, 0, len(all))
	for _, rc := range all {
		if _, ok := skip[rc.URL()]; ok {
			continue
		}
		out = append(out, rc)
	}
	return out
}
