package store

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/efreitasn/minimarket/internal/domain"
)

// eventLess orders a subscription's queue oldest-first; the
// store-assigned sequence number breaks timestamp ties.
func eventLess(a, b domain.MarketEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

type queueKey struct {
	sub   domain.SubscriptionID
	owner domain.Owner
}

// Memory is the in-memory Store implementation. A single mutex guards
// all state, making every operation a transaction.
type Memory struct {
	mu              sync.Mutex
	seq             int64
	proposals       map[string]*domain.Proposal
	countered       map[string]bool
	queues          map[queueKey]*btree.BTreeG[domain.MarketEvent]
	agreements      map[string]*domain.Agreement
	agreementEvents []domain.AgreementEvent
	subscriptions   map[domain.SubscriptionID]*domain.Subscription
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		proposals:     make(map[string]*domain.Proposal),
		countered:     make(map[string]bool),
		queues:        make(map[queueKey]*btree.BTreeG[domain.MarketEvent]),
		agreements:    make(map[string]*domain.Agreement),
		subscriptions: make(map[domain.SubscriptionID]*domain.Subscription),
	}
}

// SaveProposal stores a proposal and marks its predecessor countered.
func (s *Memory) SaveProposal(p *domain.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := p.Body.PrevProposalID; prev != nil {
		if s.countered[prev.ID] {
			return domain.ErrAlreadyCountered
		}
		s.countered[prev.ID] = true
	}
	stored := *p
	s.proposals[p.Body.ID.ID] = &stored
	return nil
}

// GetProposal fetches a proposal by id. Both owner views of the same id
// resolve to the same record.
func (s *Memory) GetProposal(id domain.ProposalID) (*domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id.ID]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

// ChangeProposalState applies a validated transition check-then-set
// under the store lock.
func (s *Memory) ChangeProposalState(id domain.ProposalID, next domain.ProposalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id.ID]
	if !ok {
		return domain.ErrProposalNotFound
	}
	if err := domain.CheckProposalTransition(p.State, next); err != nil {
		return err
	}
	p.State = next
	return nil
}

// AddProposalEvent enqueues a proposal event on the given side's queue.
func (s *Memory) AddProposalEvent(p *domain.Proposal, owner domain.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enqueue(domain.MarketEvent{
		ID:             uuid.New().String(),
		SubscriptionID: p.Negotiation.SubscriptionID,
		Owner:          owner,
		Type:           domain.EventProposal,
		Proposal:       p,
		Timestamp:      time.Now(),
	})
	return nil
}

// AddProposalRejectedEvent enqueues a rejection event with the
// stringified reason.
func (s *Memory) AddProposalRejectedEvent(p *domain.Proposal, owner domain.Owner, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enqueue(domain.MarketEvent{
		ID:             uuid.New().String(),
		SubscriptionID: p.Negotiation.SubscriptionID,
		Owner:          owner,
		Type:           domain.EventProposalRejected,
		Proposal:       p,
		Reason:         reason,
		Timestamp:      time.Now(),
	})
	return nil
}

func (s *Memory) enqueue(ev domain.MarketEvent) {
	s.seq++
	ev.Seq = s.seq
	key := queueKey{sub: ev.SubscriptionID, owner: ev.Owner}
	q, ok := s.queues[key]
	if !ok {
		q = btree.NewG[domain.MarketEvent](8, eventLess)
		s.queues[key] = q
	}
	q.ReplaceOrInsert(ev)
}

// TakeEvents validates subscription liveness, then removes and returns
// up to max events oldest-first, all under one lock acquisition.
func (s *Memory) TakeEvents(subID domain.SubscriptionID, max int, owner domain.Owner) ([]domain.MarketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.subscriptionState(subID, time.Now()) {
	case domain.SubscriptionNotFound:
		return nil, domain.ErrSubscriptionNotFound
	case domain.SubscriptionExpired:
		return nil, domain.ErrSubscriptionExpired
	}

	q, ok := s.queues[queueKey{sub: subID, owner: owner}]
	if !ok {
		return nil, nil
	}
	var taken []domain.MarketEvent
	q.Ascend(func(ev domain.MarketEvent) bool {
		if len(taken) >= max {
			return false
		}
		taken = append(taken, ev)
		return true
	})
	for _, ev := range taken {
		q.Delete(ev)
	}
	return taken, nil
}

// RemoveEvents drops both sides' queues for the subscription.
func (s *Memory) RemoveEvents(subID domain.SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, queueKey{sub: subID, owner: domain.OwnerProvider})
	delete(s.queues, queueKey{sub: subID, owner: domain.OwnerRequestor})
	return nil
}

// CreateAgreement seeds an agreement record.
func (s *Memory) CreateAgreement(a *domain.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *a
	s.agreements[a.ID.ID] = &stored
	return nil
}

// AgreementByNode fetches an agreement only when the node is one of its
// parties; anything else reads as not found.
func (s *Memory) AgreementByNode(id domain.AgreementID, node domain.NodeID, now time.Time) (*domain.Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[id.ID]
	if !ok || (a.ProviderID != node && a.RequestorID != node) {
		return nil, domain.ErrAgreementNotFound
	}
	return agreementView(a, now), nil
}

// Agreement fetches by id alone.
func (s *Memory) Agreement(id domain.AgreementID, now time.Time) (*domain.Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[id.ID]
	if !ok {
		return nil, domain.ErrAgreementNotFound
	}
	return agreementView(a, now), nil
}

// agreementView returns a defensive copy with expiry folded into the
// state, so callers never mutate stored records directly.
func agreementView(a *domain.Agreement, now time.Time) *domain.Agreement {
	cp := *a
	cp.State = a.EffectiveState(now)
	return &cp
}

// TerminateAgreement applies the validated transition to Terminated.
func (s *Memory) TerminateAgreement(id domain.AgreementID, reason string, terminator domain.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[id.ID]
	if !ok {
		return domain.ErrAgreementNotFound
	}
	if err := domain.CheckAgreementTransition(a.EffectiveState(time.Now()), domain.AgreementTerminated); err != nil {
		return err
	}
	a.State = domain.AgreementTerminated
	a.TerminationReason = reason
	a.TerminatedBy = terminator
	return nil
}

// AddAgreementTerminatedEvent records a termination event for polling.
func (s *Memory) AddAgreementTerminatedEvent(a *domain.Agreement, reason string, terminator domain.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agreementEvents = append(s.agreementEvents, domain.AgreementEvent{
		ID:          uuid.New().String(),
		AgreementID: a.ID,
		ProviderID:  a.ProviderID,
		RequestorID: a.RequestorID,
		SessionID:   a.SessionID,
		Terminator:  terminator,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
	return nil
}

// AgreementEvents lists events visible to the node, oldest-first.
func (s *Memory) AgreementEvents(node domain.NodeID, sessionID string, max int, after time.Time) ([]domain.AgreementEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AgreementEvent
	for _, ev := range s.agreementEvents {
		if len(out) >= max {
			break
		}
		if ev.ProviderID != node && ev.RequestorID != node {
			continue
		}
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		if !ev.Timestamp.After(after) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe registers a Demand/Offer subscription.
func (s *Memory) Subscribe(sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *sub
	s.subscriptions[sub.ID] = &stored
	return nil
}

// Subscription fetches a registration by id.
func (s *Memory) Subscription(id domain.SubscriptionID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

// SubscriptionState reports the registration's liveness.
func (s *Memory) SubscriptionState(id domain.SubscriptionID, now time.Time) domain.SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subscriptionState(id, now)
}

func (s *Memory) subscriptionState(id domain.SubscriptionID, now time.Time) domain.SubscriptionState {
	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.SubscriptionNotFound
	}
	if now.After(sub.ExpiresAt) {
		return domain.SubscriptionExpired
	}
	return domain.SubscriptionActive
}

// Unsubscribe withdraws a registration. Subsequent liveness checks read
// not-found.
func (s *Memory) Unsubscribe(id domain.SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return domain.ErrSubscriptionNotFound
	}
	delete(s.subscriptions, id)
	return nil
}
