package mesh

import (
	"context"
	"strings"
	"sync"
	"time"

	"fiatjaf.com/nostr"
)

const (
	KindMessage  nostr.Kind = 1650
	KindAnnounce nostr.Kind = 10650
)

const (
	meshTagName  = "t"
	meshTagValue = "meshecho"
)

// Method is the delivery mode requested for an outbound message.
type Method string

const (
	MethodDirect        Method = "direct"
	MethodOpportunistic Method = "opportunistic"
)

func parseMethod(raw string) Method {
	switch Method(strings.TrimSpace(strings.ToLower(raw))) {
	case MethodOpportunistic:
		return MethodOpportunistic
	default:
		return MethodDirect
	}
}

// Address is a mesh address: the lowercase hex x-only public key of an identity.
type Address string

func ParseAddress(raw string) (Address, error) {
	pk, err := nostr.PubKeyFromHex(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return Address(pk.Hex()), nil
}

func (a Address) String() string { return string(a) }

// Short returns the first 16 hex characters, enough to tell peers apart in logs.
func (a Address) Short() string {
	if len(a) <= 16 {
		return string(a)
	}
	return string(a[:16])
}

func (a Address) pubKey() (nostr.PubKey, error) {
	return nostr.PubKeyFromHex(string(a))
}

// PeerIdentity is what the router remembers about a remote identity.
type PeerIdentity struct {
	Address     Address
	DisplayName string
}

// SignalQuality holds radio metrics for transports that report them.
type SignalQuality struct {
	RSSI float64
	SNR  float64
}

type InboundMessage struct {
	ID         string
	Source     Address
	Title      string
	Content    []byte
	Fields     map[string]interface{}
	Signal     *SignalQuality
	Method     Method
	ReceivedAt time.Time
}

// ContentString returns the message content as text.
func (m InboundMessage) ContentString() string {
	return string(m.Content)
}

type OutboundMessage struct {
	Destination Address
	Source      Endpoint
	Title       string
	Content     []byte
	Fields      map[string]interface{}
	Method      Method
}

// Ticket lets the holder message a peer without paying its stamp cost.
type Ticket struct {
	Value     string
	ExpiresAt time.Time
}

func (t Ticket) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// InboundHandler is invoked once per received message.
type InboundHandler func(ctx context.Context, msg InboundMessage)

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeDelivered
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Delivery is a one-shot completion handle for a submitted message. It is
// resolved exactly once; later resolve calls are ignored.
type Delivery struct {
	Destination Address
	Method      Method

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	err     error
}

func NewDelivery(dest Address, method Method) *Delivery {
	return &Delivery{
		Destination: dest,
		Method:      method,
		done:        make(chan struct{}),
	}
}

// Done is closed when the outcome is known.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Outcome returns OutcomePending until Done is closed.
func (d *Delivery) Outcome() (Outcome, error) {
	select {
	case <-d.done:
		return d.outcome, d.err
	default:
		return OutcomePending, nil
	}
}

// Wait blocks until the delivery resolves or ctx ends.
func (d *Delivery) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-d.done:
		return d.outcome, d.err
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

func (d *Delivery) Resolve(outcome Outcome, err error) bool {
	resolved := false
	d.once.Do(func() {
		d.outcome = outcome
		d.err = err
		resolved = true
		close(d.done)
	})
	return resolved
}
