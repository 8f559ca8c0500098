package domain

import "time"

// SubscriptionState is the liveness of a Demand/Offer registration.
type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionExpired  SubscriptionState = "expired"
	SubscriptionNotFound SubscriptionState = "not_found"
)

// Subscription is the registration under which a Demand or Offer
// receives negotiation events. Offers are owned by providers, demands by
// requestors.
type Subscription struct {
	ID          SubscriptionID
	Owner       Owner
	NodeID      NodeID
	Properties  []string
	Constraints string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
