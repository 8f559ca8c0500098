package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/minimarket/internal/config"
	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/handler"
	"github.com/efreitasn/minimarket/internal/protocol"
	"github.com/efreitasn/minimarket/internal/service"
	"github.com/efreitasn/minimarket/internal/store"
)

const (
	matchProp = "cpu.architecture=x86_64"
	matchCons = "(cpu.architecture=x86_64)"
)

type testServer struct {
	id     domain.NodeID
	store  store.Store
	broker *service.CommonBroker
	srv    *httptest.Server
}

// newServerPair boots two full nodes whose peer protocol runs over real
// HTTP: each broker's transport posts to the other's /protocol routes.
func newServerPair(t *testing.T) (r, p *testServer) {
	t.Helper()
	cfg := &config.Config{
		MaxEventsDefault: 20,
		MaxEventsMax:     100,
		SubscriptionTTL:  time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	addrs := map[domain.NodeID]string{}
	resolver := func(n domain.NodeID) (string, error) {
		base, ok := addrs[n]
		if !ok {
			return "", fmt.Errorf("unknown node %s", n)
		}
		return base, nil
	}

	mk := func(id domain.NodeID) *testServer {
		st := store.NewMemory()
		broker := service.NewCommonBroker(st, protocol.NewHTTPTransport(id, resolver, 5*time.Second), cfg, logger)
		t.Cleanup(broker.Shutdown)
		srv := httptest.NewServer(handler.NewRouter(broker, logger))
		t.Cleanup(srv.Close)
		return &testServer{id: id, store: st, broker: broker, srv: srv}
	}

	r, p = mk("node-r"), mk("node-p")
	addrs[r.id] = r.srv.URL
	addrs[p.id] = p.srv.URL
	return r, p
}

func (s *testServer) do(t *testing.T, method, path string, caller domain.NodeID, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set("X-Node-Id", string(caller))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type subscriptionBody struct {
	SubscriptionID string `json:"subscription_id"`
	Owner          string `json:"owner"`
	ExpiresAt      string `json:"expires_at"`
}

type proposalBody struct {
	ProposalID     string   `json:"proposal_id"`
	PrevProposalID *string  `json:"prev_proposal_id"`
	Properties     []string `json:"properties"`
	Constraints    string   `json:"constraints"`
	Issuer         string   `json:"issuer"`
	State          string   `json:"state"`
}

type eventBody struct {
	EventType      string        `json:"event_type"`
	SubscriptionID string        `json:"subscription_id"`
	Proposal       *proposalBody `json:"proposal"`
	Reason         string        `json:"reason"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func subscribe(t *testing.T, s *testServer, path string) subscriptionBody {
	t.Helper()
	resp := s.do(t, http.MethodPost, path, s.id, map[string]any{
		"properties":  []string{matchProp},
		"constraints": matchCons,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sub subscriptionBody
	decode(t, resp, &sub)
	require.NotEmpty(t, sub.SubscriptionID)
	return sub
}

// seedNegotiation registers a demand and an offer over HTTP and plants
// the negotiation seed the way a discovery layer would: the requestor
// gets the initial proposal, the provider a mirror of it under its own
// view of the id.
func seedNegotiation(t *testing.T, r, p *testServer) (demandID, offerID string, initial *domain.Proposal) {
	t.Helper()
	demand := subscribe(t, r, "/demands")
	offer := subscribe(t, p, "/offers")

	demandSub, err := r.store.Subscription(domain.SubscriptionID(demand.SubscriptionID))
	require.NoError(t, err)
	offerSub, err := p.store.Subscription(domain.SubscriptionID(offer.SubscriptionID))
	require.NoError(t, err)

	initial, err = r.broker.InitialProposal(demandSub, offerSub, domain.OwnerRequestor)
	require.NoError(t, err)
	_, err = r.broker.QueryEvents(context.Background(), demandSub.ID, 0, 0, domain.OwnerRequestor)
	require.NoError(t, err)

	mirror := &domain.Proposal{
		Body: domain.ProposalBody{
			ID:          initial.Body.ID.SwapOwner(),
			Properties:  demandSub.Properties,
			Constraints: demandSub.Constraints,
			Issuer:      domain.IssuerThem,
			CreatedAt:   time.Now(),
		},
		Negotiation: domain.Negotiation{
			SubscriptionID: offerSub.ID,
			OfferID:        offerSub.ID,
			DemandID:       demandSub.ID,
			ProviderID:     p.id,
			RequestorID:    r.id,
		},
		State: domain.ProposalInitial,
	}
	require.NoError(t, p.store.SaveProposal(mirror))

	return demand.SubscriptionID, offer.SubscriptionID, initial
}

func TestHealthz(t *testing.T) {
	r, _ := newServerPair(t)
	resp := r.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestContentTypeRequired(t *testing.T) {
	r, _ := newServerPair(t)
	req, err := http.NewRequest(http.MethodPost, r.srv.URL+"/demands", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	req.Header.Set("X-Node-Id", "node-r")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	r, _ := newServerPair(t)

	sub := subscribe(t, r, "/demands")
	assert.Equal(t, "requestor", sub.Owner)

	resp := r.do(t, http.MethodDelete, "/demands/"+sub.SubscriptionID, r.id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = r.do(t, http.MethodDelete, "/demands/"+sub.SubscriptionID, r.id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnsubscribe_WrongCaller(t *testing.T) {
	r, _ := newServerPair(t)
	sub := subscribe(t, r, "/demands")

	resp := r.do(t, http.MethodDelete, "/demands/"+sub.SubscriptionID, "node-impostor", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribe_MalformedConstraints(t *testing.T) {
	r, _ := newServerPair(t)
	resp := r.do(t, http.MethodPost, "/demands", r.id, map[string]any{
		"constraints": "(broken",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "validation_error", body.Error)
}

func TestNegotiationOverHTTP(t *testing.T) {
	r, p := newServerPair(t)
	demandID, offerID, initial := seedNegotiation(t, r, p)

	// The requestor counters the initial proposal.
	resp := r.do(t, http.MethodPost,
		"/demands/"+demandID+"/proposals/"+initial.Body.ID.String(),
		r.id, map[string]any{
			"properties":  []string{matchProp},
			"constraints": matchCons,
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var counter struct {
		ProposalID string `json:"proposal_id"`
		IsFirst    bool   `json:"is_first"`
	}
	decode(t, resp, &counter)
	assert.True(t, counter.IsFirst)

	// The provider polls it off its event queue.
	resp = p.do(t, http.MethodGet, "/offers/"+offerID+"/events?timeout=2s", p.id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []eventBody
	decode(t, resp, &events)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Proposal)
	assert.Equal(t, "proposal", events[0].EventType)
	assert.Equal(t, "them", events[0].Proposal.Issuer)
	received := events[0].Proposal.ProposalID

	// The proposal is fetchable under the provider's subscription.
	resp = p.do(t, http.MethodGet, "/offers/"+offerID+"/proposals/"+received, p.id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched proposalBody
	decode(t, resp, &fetched)
	assert.Equal(t, "draft", fetched.State)
	require.NotNil(t, fetched.PrevProposalID)

	// The provider rejects it; the requestor sees the rejection event.
	resp = p.do(t, http.MethodPost,
		"/offers/"+offerID+"/proposals/"+received+"/reject",
		p.id, map[string]any{"reason": map[string]any{"message": "no capacity"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = r.do(t, http.MethodGet, "/demands/"+demandID+"/events?timeout=2s", r.id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "proposal_rejected", events[0].EventType)
	assert.Contains(t, events[0].Reason, "no capacity")
}

func TestCounterProposal_Conflicts(t *testing.T) {
	r, p := newServerPair(t)
	demandID, _, initial := seedNegotiation(t, r, p)
	counterBody := map[string]any{
		"properties":  []string{matchProp},
		"constraints": matchCons,
	}
	path := "/demands/" + demandID + "/proposals/" + initial.Body.ID.String()

	resp := r.do(t, http.MethodPost, path, r.id, counterBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Countering the same predecessor again conflicts.
	resp = r.do(t, http.MethodPost, path, r.id, counterBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "proposal_already_countered", body.Error)
}

func TestGetProposal_BadID(t *testing.T) {
	r, _ := newServerPair(t)
	sub := subscribe(t, r, "/demands")

	resp := r.do(t, http.MethodGet, "/demands/"+sub.SubscriptionID+"/proposals/bogus", r.id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryEvents_BadParams(t *testing.T) {
	r, _ := newServerPair(t)
	sub := subscribe(t, r, "/demands")

	resp := r.do(t, http.MethodGet, "/demands/"+sub.SubscriptionID+"/events?timeout=never", r.id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = r.do(t, http.MethodGet, "/demands/"+sub.SubscriptionID+"/events?timeout=1ms&max_events=many", r.id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = r.do(t, http.MethodGet, "/demands/"+sub.SubscriptionID+"/events?timeout=1ms&max_events=9999", r.id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryEvents_UnknownSubscription(t *testing.T) {
	r, _ := newServerPair(t)
	resp := r.do(t, http.MethodGet, "/demands/"+uuid.NewString()+"/events?timeout=1ms", r.id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type agreementBody struct {
	AgreementID       string `json:"agreement_id"`
	State             string `json:"state"`
	TerminationReason string `json:"termination_reason"`
	TerminatedBy      string `json:"terminated_by"`
}

func seedAgreementHTTP(t *testing.T, r, p *testServer, session string) domain.AgreementID {
	t.Helper()
	id := domain.NewAgreementID(domain.OwnerRequestor)
	validTo := time.Now().Add(time.Hour).Format(time.RFC3339)
	create := func(s *testServer, view domain.AgreementID) {
		resp := s.do(t, http.MethodPost, "/agreements", s.id, map[string]any{
			"agreement_id": view.String(),
			"provider_id":  "node-p",
			"requestor_id": "node-r",
			"session_id":   session,
			"valid_to":     validTo,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	create(r, id)
	create(p, id.SwapOwner())
	return id
}

func TestAgreementLifecycleOverHTTP(t *testing.T) {
	r, p := newServerPair(t)
	id := seedAgreementHTTP(t, r, p, "sess-1")

	resp := r.do(t, http.MethodGet, "/agreements/"+id.String(), r.id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a agreementBody
	decode(t, resp, &a)
	assert.Equal(t, "approved", a.State)

	// A stranger sees not-found.
	resp = r.do(t, http.MethodGet, "/agreements/"+id.String(), "node-stranger", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Termination propagates to the provider node over the wire.
	resp = r.do(t, http.MethodPost, "/agreements/"+id.String()+"/terminate", r.id,
		map[string]any{"reason": map[string]any{"message": "done"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = p.do(t, http.MethodGet, "/agreements/"+id.SwapOwner().String(), p.id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &a)
	assert.Equal(t, "terminated", a.State)
	assert.Equal(t, "requestor", a.TerminatedBy)
	assert.Contains(t, a.TerminationReason, "done")

	// Terminating again conflicts.
	resp = r.do(t, http.MethodPost, "/agreements/"+id.String()+"/terminate", r.id,
		map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The provider's event poll reports the termination.
	resp = p.do(t, http.MethodGet, "/agreement-events?timeout=2s&session=sess-1", p.id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []struct {
		AgreementID string `json:"agreement_id"`
		Terminator  string `json:"terminator"`
	}
	decode(t, resp, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "requestor", events[0].Terminator)

	// Waiting on an already-terminated agreement returns immediately.
	resp = r.do(t, http.MethodGet, "/agreements/"+id.String()+"/wait?timeout=1ms", r.id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &a)
	assert.Equal(t, "terminated", a.State)
}

func TestAgreementWait_Timeout(t *testing.T) {
	r, p := newServerPair(t)
	id := seedAgreementHTTP(t, r, p, "")

	resp := r.do(t, http.MethodGet, "/agreements/"+id.String()+"/wait?timeout=50ms", r.id, nil)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestProtocolEndpoint_ErrorShape(t *testing.T) {
	r, _ := newServerPair(t)

	// A valid peer referencing an unknown agreement gets the restricted
	// not-found, in the shape the outbound transport decodes.
	req, err := http.NewRequest(http.MethodPost, r.srv.URL+"/protocol/terminate",
		bytes.NewReader([]byte(`{"agreementId":"R-`+uuid.NewString()+`"}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Id", "node-p")
	req.Header.Set("X-Caller-Role", "provider")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "not_found", body["error"])
}

func TestProtocolEndpoint_MissingIdentity(t *testing.T) {
	r, _ := newServerPair(t)

	req, err := http.NewRequest(http.MethodPost, r.srv.URL+"/protocol/proposal",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
