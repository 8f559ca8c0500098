package domain

// Owner identifies one of the two negotiating roles. Proposal and
// Agreement ids are tagged with the role that issued them, and event
// queues are partitioned by it.
type Owner string

const (
	OwnerProvider  Owner = "provider"
	OwnerRequestor Owner = "requestor"
)

// Swap returns the counterpart role.
func (o Owner) Swap() Owner {
	if o == OwnerProvider {
		return OwnerRequestor
	}
	return OwnerProvider
}

// Valid returns true for the two known roles.
func (o Owner) Valid() bool {
	return o == OwnerProvider || o == OwnerRequestor
}

// Issuer tags a proposal body with which party issued it, relative to
// the local node.
type Issuer string

const (
	IssuerUs   Issuer = "us"
	IssuerThem Issuer = "them"
)

// NodeID is the verified identity of a market participant. How it is
// authenticated is the transport's concern; this core only compares it.
type NodeID string
