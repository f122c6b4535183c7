package agent

import "meshecho/pkg/mesh"

type PolicyConfig struct {
	Source PolicySource
	// MaxOutboundStampCost disables the cost gate when nil.
	MaxOutboundStampCost *int
}

// DeliveryPolicy decides whether to reply to a peer and how to reach it.
type DeliveryPolicy struct {
	src     PolicySource
	maxCost *int
}

func NewDeliveryPolicy(cfg PolicyConfig) *DeliveryPolicy {
	p := &DeliveryPolicy{src: cfg.Source}
	if cfg.MaxOutboundStampCost != nil {
		v := *cfg.MaxOutboundStampCost
		p.maxCost = &v
	}
	return p
}

// Decide returns the delivery method for a reply to addr, or a *Rejection
// when the peer costs more to reach than we are willing to pay.
func (p *DeliveryPolicy) Decide(addr mesh.Address) (mesh.Method, error) {
	if p.maxCost != nil {
		if _, held := p.src.OutboundTicket(addr); !held {
			if cost, ok := p.src.OutboundStampCost(addr); ok && cost > *p.maxCost {
				return "", &Rejection{Reason: ErrCostTooHigh, Cost: cost, Max: *p.maxCost}
			}
		}
	}
	if !p.src.DeliveryLinkAvailable(addr) {
		if _, ok := p.src.CurrentRatchetID(addr); ok {
			return mesh.MethodOpportunistic, nil
		}
	}
	return mesh.MethodDirect, nil
}
