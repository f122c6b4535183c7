package agent

import (
	"context"

	"meshecho/pkg/mesh"
)

// PathFinder discovers routes and recalls identities behind addresses.
type PathFinder interface {
	HasPath(addr mesh.Address) bool
	RequestPath(addr mesh.Address)
	Recall(addr mesh.Address) (mesh.PeerIdentity, bool)
}

// PathWatcher is implemented by transports that can push path arrivals.
// The returned func unregisters the watch.
type PathWatcher interface {
	WatchPath(addr mesh.Address) (<-chan struct{}, func())
}

// PolicySource answers the questions the delivery policy asks about a peer.
type PolicySource interface {
	OutboundTicket(addr mesh.Address) (mesh.Ticket, bool)
	OutboundStampCost(addr mesh.Address) (int, bool)
	DeliveryLinkAvailable(addr mesh.Address) bool
	CurrentRatchetID(addr mesh.Address) (string, bool)
}

type Submitter interface {
	Submit(ctx context.Context, msg *mesh.OutboundMessage) (*mesh.Delivery, error)
}

type Broadcaster interface {
	Announce(ctx context.Context, ep mesh.Endpoint) error
}

// Router is the full transport surface the bot runs on. *mesh.Router
// satisfies it.
type Router interface {
	PathFinder
	PolicySource
	Submitter
	Broadcaster
	Endpoint() mesh.Endpoint
	OnMessage(h mesh.InboundHandler)
}

var _ Router = (*mesh.Router)(nil)
var _ PathWatcher = (*mesh.Router)(nil)
