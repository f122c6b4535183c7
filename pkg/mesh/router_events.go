package mesh

import (
	"encoding/json"
	"strings"
	"time"

	"fiatjaf.com/nostr"
)

// announcePayload is the content of a KindAnnounce event.
type announcePayload struct {
	Name      string   `json:"name"`
	Relays    []string `json:"relays,omitempty"`
	StampCost *int     `json:"stamp_cost,omitempty"`
	Ratchet   string   `json:"ratchet,omitempty"`
}

// messageFilter subscribes to messages for us on relayURL, resuming at the
// second of the last stored cursor. Events in that second are replayed and
// dropped by the inbox.
func (r *Router) messageFilter(relayURL string) nostr.Filter {
	f := nostr.Filter{
		Kinds: []nostr.Kind{KindMessage},
		Tags:  nostr.TagMap{"p": []string{r.endpoint.Address.String()}},
	}
	if ts, eventID, err := r.store.RelayCursor(relayURL); err != nil {
		r.log.Warn().Err(err).Str("relay", relayURL).Msg("cursor read failed")
	} else if ts > 0 {
		f.Since = nostr.Timestamp(ts)
		r.log.Debug().Str("relay", relayURL).Int64("since", ts).Str("last", eventID).Msg("backfilling messages")
	}
	return f
}

func (r *Router) listen(rc relayClient) {
	msgFilter := r.messageFilter(rc.URL())
	announceFilter := nostr.Filter{
		Kinds: []nostr.Kind{KindAnnounce},
		Tags:  nostr.TagMap{meshTagName: []string{meshTagValue}},
		Limit: announceBackfillLimit,
	}

	for _, f := range []nostr.Filter{msgFilter, announceFilter} {
		sub, err := rc.Subscribe(r.ctx, f, nostr.SubscriptionOptions{})
		if err != nil {
			r.log.Warn().Err(err).Str("relay", rc.URL()).Msg("subscribe failed")
			continue
		}
		r.wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer r.wg.Done()
			for {
				select {
				case <-r.ctx.Done():
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					r.handleEvent(rc.URL(), evt)
				}
			}
		}(sub)
	}
}

func (r *Router) handleEvent(relayURL string, evt nostr.Event) {
	if evt.PubKey.Hex() == r.endpoint.Address.String() {
		return
	}
	switch evt.Kind {
	case KindAnnounce:
		r.handleAnnounceEvent(evt)
	case KindMessage:
		r.handleMessageEvent(relayURL, evt)
	}
}

func (r *Router) handleAnnounceEvent(evt nostr.Event) {
	var data announcePayload
	if err := json.Unmarshal([]byte(evt.Content), &data); err != nil {
		return
	}
	addr := Address(evt.PubKey.Hex())
	rec := peerRecord{
		Address:     addr,
		DisplayName: strings.TrimSpace(data.Name),
		Relays:      normalizeRelayURLs(data.Relays),
		Ratchet:     strings.TrimSpace(data.Ratchet),
		AnnouncedAt: int64(evt.CreatedAt),
		SeenAt:      r.now(),
	}
	if data.StampCost != nil && *data.StampCost > 0 {
		rec.StampCost = *data.StampCost
		rec.HasStampCost = true
	}

	r.mu.Lock()
	if existing, ok := r.peers[addr]; ok && existing.AnnouncedAt > rec.AnnouncedAt {
		r.mu.Unlock()
		return
	}
	r.peers[addr] = rec
	waiters := make([]chan struct{}, 0, len(r.pathWaiters[addr]))
	for ch := range r.pathWaiters[addr] {
		waiters = append(waiters, ch)
	}
	r.mu.Unlock()

	if err := r.store.SavePeer(rec); err != nil {
		r.log.Warn().Err(err).Str("peer", addr.Short()).Msg("peer save failed")
	}
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.log.Debug().Str("peer", addr.Short()).Str("name", rec.DisplayName).Msg("announce received")
}

func (r *Router) handleMessageEvent(relayURL string, evt nostr.Event) {
	if target, ok := tagValue(evt.Tags, "p"); !ok || target != r.endpoint.Address.String() {
		return
	}
	if r.seen.seen(evt.ID) {
		r.updateRelayCursor(relayURL, evt)
		return
	}
	sender := Address(evt.PubKey.Hex())
	defer r.updateRelayCursor(relayURL, evt)

	if r.inboundStampCost > 0 {
		if got := leadingZeroBits(evt.ID); got < r.inboundStampCost && !r.ticketAccepted(sender, evt) {
			r.log.Info().Str("source", sender.Short()).Int("stamp", got).Int("required", r.inboundStampCost).Msg("dropping message with insufficient stamp")
			return
		}
	}

	payload, err := r.openMessage(evt)
	if err != nil {
		r.log.Info().Err(err).Str("source", sender.Short()).Msg("dropping undecryptable message")
		return
	}

	methodTag, _ := tagValue(evt.Tags, "m")
	method := parseMethod(methodTag)
	fresh, err := r.store.RecordInbox(InboxEntry{
		EventID:    evt.ID.Hex(),
		RelayURL:   relayURL,
		Sender:     sender.String(),
		Kind:       int(evt.Kind),
		Method:     string(method),
		CreatedAt:  int64(evt.CreatedAt),
		ReceivedAt: r.now().UnixMilli(),
	})
	if err != nil {
		r.log.Warn().Err(err).Str("event", evt.ID.Hex()).Msg("inbox save failed")
	} else if !fresh {
		return
	}

	if t, ok := ticketFromFields(payload.Fields); ok {
		if err := r.store.SaveTicket(sender, t); err != nil {
			r.log.Warn().Err(err).Str("peer", sender.Short()).Msg("ticket save failed")
		}
	}

	msg := InboundMessage{
		ID:         evt.ID.Hex(),
		Source:     sender,
		Title:      payload.Title,
		Content:    []byte(payload.Content),
		Fields:     payload.Fields,
		Method:     method,
		ReceivedAt: time.Unix(int64(evt.CreatedAt), 0),
	}
	r.dispatch(msg)
}

func (r *Router) ticketAccepted(sender Address, evt nostr.Event) bool {
	value, ok := tagValue(evt.Tags, "ticket")
	if !ok || value == "" {
		return false
	}
	valid, err := r.store.IssuedTicketValid(sender, value, r.now())
	if err != nil {
		r.log.Warn().Err(err).Str("peer", sender.Short()).Msg("ticket check failed")
		return false
	}
	return valid
}

func (r *Router) openMessage(evt nostr.Event) (messagePayload, error) {
	encTag, _ := tagValue(evt.Tags, "enc")
	scheme, ratchetID := parseEncTag(encTag)
	sk := r.identity.Secret
	if scheme == encRatchet {
		rsk, ok := r.ratchetSecret(ratchetID)
		if !ok {
			return messagePayload{}, errUnknownRatchet
		}
		sk = rsk
	}
	return openPayload(sk, evt.PubKey, evt.Content)
}

func (r *Router) dispatch(msg InboundMessage) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h == nil {
		r.log.Debug().Str("source", msg.Source.Short()).Msg("no inbound handler registered")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		h(r.ctx, msg)
	}()
}

func (r *Router) updateRelayCursor(relayURL string, evt nostr.Event) {
	if err := r.store.SaveRelayCursor(relayURL, int64(evt.CreatedAt), evt.ID.Hex()); err != nil {
		r.log.Warn().Err(err).Str("relay", relayURL).Msg("cursor save failed")
	}
}
