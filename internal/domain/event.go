package domain

import "time"

// EventType distinguishes the payload kinds of a MarketEvent.
type EventType string

const (
	EventProposal         EventType = "proposal"
	EventProposalRejected EventType = "proposal_rejected"
)

// MarketEvent is a notification record queued for one side of a
// subscription. Events are FIFO per subscription and consumed (deleted)
// by take-events.
type MarketEvent struct {
	ID             string
	Seq            int64 // store-assigned, breaks timestamp ties
	SubscriptionID SubscriptionID
	Owner          Owner // whose queue this event belongs to
	Type           EventType
	Proposal       *Proposal
	Reason         string // rejection reason, only for EventProposalRejected
	Timestamp      time.Time
}

// AgreementEvent records an agreement termination for the agreement-event
// polling endpoint. It is keyed by session id but filtered by caller
// identity at query time.
type AgreementEvent struct {
	ID          string
	AgreementID AgreementID
	ProviderID  NodeID
	RequestorID NodeID
	SessionID   string
	Terminator  Owner
	Reason      string
	Timestamp   time.Time
}
