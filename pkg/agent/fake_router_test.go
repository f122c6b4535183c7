package agent

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshecho/pkg/mesh"
)

const (
	peerA mesh.Address = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	peerB mesh.Address = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	peerC mesh.Address = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

// fakeRouter is a scripted transport. A peer's path appears after
// pathAfter[addr] HasPath calls; a negative count means never.
type fakeRouter struct {
	mu sync.Mutex

	endpoint    mesh.Endpoint
	pathAfter   map[mesh.Address]int
	pathCalls   map[mesh.Address]int
	requests    map[mesh.Address]int
	identities  map[mesh.Address]mesh.PeerIdentity
	tickets     map[mesh.Address]mesh.Ticket
	costs       map[mesh.Address]int
	links       map[mesh.Address]bool
	ratchets    map[mesh.Address]string
	submitErr   error
	outcome     mesh.Outcome
	deliveryErr error
	submitted   []*mesh.OutboundMessage
	announceErr error
	announces   int
	handler     mesh.InboundHandler
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		endpoint:   mesh.Endpoint{Address: "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", DisplayName: "echo"},
		pathAfter:  map[mesh.Address]int{},
		pathCalls:  map[mesh.Address]int{},
		requests:   map[mesh.Address]int{},
		identities: map[mesh.Address]mesh.PeerIdentity{},
		tickets:    map[mesh.Address]mesh.Ticket{},
		costs:      map[mesh.Address]int{},
		links:      map[mesh.Address]bool{},
		ratchets:   map[mesh.Address]string{},
		outcome:    mesh.OutcomeDelivered,
	}
}

// known makes addr reachable after the given number of HasPath calls.
func (f *fakeRouter) known(addr mesh.Address, after int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pathAfter[addr] = after
	f.identities[addr] = mesh.PeerIdentity{Address: addr, DisplayName: "peer"}
}

func (f *fakeRouter) HasPath(addr mesh.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pathCalls[addr]++
	after, ok := f.pathAfter[addr]
	if !ok || after < 0 {
		return false
	}
	return f.pathCalls[addr] > after
}

func (f *fakeRouter) RequestPath(addr mesh.Address) {
	f.mu.Lock()
	f.requests[addr]++
	f.mu.Unlock()
}

func (f *fakeRouter) Recall(addr mesh.Address) (mesh.PeerIdentity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[addr]
	return id, ok
}

func (f *fakeRouter) OutboundTicket(addr mesh.Address) (mesh.Ticket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[addr]
	return t, ok
}

func (f *fakeRouter) OutboundStampCost(addr mesh.Address) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.costs[addr]
	return c, ok
}

func (f *fakeRouter) DeliveryLinkAvailable(addr mesh.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[addr]
}

func (f *fakeRouter) CurrentRatchetID(addr mesh.Address) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ratchets[addr]
	return id, ok
}

func (f *fakeRouter) Submit(_ context.Context, msg *mesh.OutboundMessage) (*mesh.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, msg)
	d := mesh.NewDelivery(msg.Destination, msg.Method)
	outcome, err := f.outcome, f.deliveryErr
	if outcome != mesh.OutcomePending {
		go d.Resolve(outcome, err)
	}
	return d, nil
}

func (f *fakeRouter) Announce(_ context.Context, _ mesh.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces++
	return f.announceErr
}

func (f *fakeRouter) Endpoint() mesh.Endpoint { return f.endpoint }

func (f *fakeRouter) OnMessage(h mesh.InboundHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeRouter) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeRouter) announceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.announces
}

// watchingRouter adds push notification of path arrivals.
type watchingRouter struct {
	*fakeRouter
	notify chan struct{}
}

func (w *watchingRouter) WatchPath(mesh.Address) (<-chan struct{}, func()) {
	return w.notify, func() {}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// syncBuffer is a log sink safe for the goroutines a test starts.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := strings.Split(strings.TrimSpace(b.buf.String()), "\n")
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	return out
}

func testLogger(t *testing.T) (zerolog.Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	return zerolog.New(buf).Level(zerolog.InfoLevel), buf
}
