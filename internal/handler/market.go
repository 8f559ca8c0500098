package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/service"
)

// callerHeader identifies the acting node on every market endpoint.
const callerHeader = "X-Node-Id"

// MarketHandler handles HTTP requests for subscriptions, proposals, and
// negotiation events. The same handler serves the demand and offer
// route trees; the owner is fixed per route.
type MarketHandler struct {
	broker *service.CommonBroker
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(broker *service.CommonBroker) *MarketHandler {
	return &MarketHandler{broker: broker}
}

// subscribeRequest is the JSON request body for POST /demands and POST /offers.
type subscribeRequest struct {
	Properties  []string `json:"properties"`
	Constraints string   `json:"constraints"`
	TTL         *string  `json:"ttl"`
}

// subscriptionResponse is the JSON response for a created subscription.
type subscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Owner          string `json:"owner"`
	ExpiresAt      string `json:"expires_at"`
}

// proposalResponse is the JSON response for a proposal.
type proposalResponse struct {
	ProposalID     string   `json:"proposal_id"`
	PrevProposalID *string  `json:"prev_proposal_id"`
	Properties     []string `json:"properties"`
	Constraints    string   `json:"constraints"`
	Issuer         string   `json:"issuer"`
	State          string   `json:"state"`
	CreatedAt      string   `json:"created_at"`
}

// counterResponse is the JSON response for a counter-proposal.
type counterResponse struct {
	ProposalID string `json:"proposal_id"`
	IsFirst    bool   `json:"is_first"`
}

// counterProposalRequest is the JSON request body for countering a proposal.
type counterProposalRequest struct {
	Properties  []string `json:"properties"`
	Constraints string   `json:"constraints"`
}

// rejectProposalRequest is the JSON request body for rejecting a proposal.
type rejectProposalRequest struct {
	Reason *domain.Reason `json:"reason"`
}

// eventResponse is a single negotiation event.
type eventResponse struct {
	EventType      string            `json:"event_type"`
	SubscriptionID string            `json:"subscription_id"`
	Proposal       *proposalResponse `json:"proposal,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      string            `json:"timestamp"`
}

func buildProposalResponse(p *domain.Proposal) *proposalResponse {
	resp := &proposalResponse{
		ProposalID:  p.Body.ID.String(),
		Properties:  p.Body.Properties,
		Constraints: p.Body.Constraints,
		Issuer:      string(p.Body.Issuer),
		State:       string(p.State),
		CreatedAt:   p.Body.CreatedAt.Format(time.RFC3339),
	}
	if p.Body.PrevProposalID != nil {
		s := p.Body.PrevProposalID.String()
		resp.PrevProposalID = &s
	}
	return resp
}

// Subscribe handles POST /demands and POST /offers.
func (h *MarketHandler) Subscribe(owner domain.Owner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subscribeRequest
		if err := ParseJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		var ttl time.Duration
		if req.TTL != nil {
			d, err := time.ParseDuration(*req.TTL)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "validation_error", "ttl must be a valid duration")
				return
			}
			ttl = d
		}

		svcReq := service.SubscribeRequest{
			NodeID:      domain.NodeID(r.Header.Get(callerHeader)),
			Properties:  req.Properties,
			Constraints: req.Constraints,
			TTL:         ttl,
		}
		var (
			sub *domain.Subscription
			err error
		)
		if owner == domain.OwnerRequestor {
			sub, err = h.broker.SubscribeDemand(svcReq)
		} else {
			sub, err = h.broker.SubscribeOffer(svcReq)
		}
		if err != nil {
			mapMarketError(w, err)
			return
		}

		WriteJSON(w, http.StatusCreated, subscriptionResponse{
			SubscriptionID: string(sub.ID),
			Owner:          string(sub.Owner),
			ExpiresAt:      sub.ExpiresAt.Format(time.RFC3339),
		})
	}
}

// Unsubscribe handles DELETE /demands/{subscription_id} and the offer twin.
func (h *MarketHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	subID := domain.SubscriptionID(chi.URLParam(r, "subscription_id"))
	callerID := domain.NodeID(r.Header.Get(callerHeader))

	if err := h.broker.Unsubscribe(subID, callerID); err != nil {
		mapMarketError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetProposal handles GET /{demands,offers}/{subscription_id}/proposals/{proposal_id}.
func (h *MarketHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	subID := domain.SubscriptionID(chi.URLParam(r, "subscription_id"))
	proposalID, err := domain.ParseProposalID(chi.URLParam(r, "proposal_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	proposal, err := h.broker.GetProposal(&subID, proposalID)
	if err != nil {
		mapMarketError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildProposalResponse(proposal))
}

// CounterProposal handles POST /{demands,offers}/{subscription_id}/proposals/{proposal_id}.
func (h *MarketHandler) CounterProposal(owner domain.Owner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subID := domain.SubscriptionID(chi.URLParam(r, "subscription_id"))
		prevID, err := domain.ParseProposalID(chi.URLParam(r, "proposal_id"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}

		var req counterProposalRequest
		if err := ParseJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		proposal, isFirst, err := h.broker.CounterProposal(
			r.Context(), subID, prevID,
			service.NewProposalRequest{Properties: req.Properties, Constraints: req.Constraints},
			domain.NodeID(r.Header.Get(callerHeader)), owner,
		)
		if err != nil {
			mapMarketError(w, err)
			return
		}

		WriteJSON(w, http.StatusCreated, counterResponse{
			ProposalID: proposal.Body.ID.String(),
			IsFirst:    isFirst,
		})
	}
}

// RejectProposal handles POST /{demands,offers}/{subscription_id}/proposals/{proposal_id}/reject.
func (h *MarketHandler) RejectProposal(owner domain.Owner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subID := domain.SubscriptionID(chi.URLParam(r, "subscription_id"))
		proposalID, err := domain.ParseProposalID(chi.URLParam(r, "proposal_id"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}

		var req rejectProposalRequest
		if err := ParseJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		if _, err := h.broker.RejectProposal(
			r.Context(), &subID, proposalID,
			domain.NodeID(r.Header.Get(callerHeader)), owner, req.Reason,
		); err != nil {
			mapMarketError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// QueryEvents handles GET /{demands,offers}/{subscription_id}/events.
// A timeout with no events is 200 with an empty array.
func (h *MarketHandler) QueryEvents(owner domain.Owner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subID := domain.SubscriptionID(chi.URLParam(r, "subscription_id"))

		timeout, err := parseTimeout(r, 5*time.Second)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		maxEvents, err := parseMaxEvents(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}

		events, err := h.broker.QueryEvents(r.Context(), subID, timeout, maxEvents, owner)
		if err != nil {
			mapMarketError(w, err)
			return
		}

		resp := make([]eventResponse, 0, len(events))
		for i := range events {
			ev := &events[i]
			e := eventResponse{
				EventType:      string(ev.Type),
				SubscriptionID: string(ev.SubscriptionID),
				Reason:         ev.Reason,
				Timestamp:      ev.Timestamp.Format(time.RFC3339),
			}
			if ev.Proposal != nil {
				e.Proposal = buildProposalResponse(ev.Proposal)
			}
			resp = append(resp, e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func parseTimeout(r *http.Request, defaultVal time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New("timeout must be a valid duration")
	}
	return d, nil
}

func parseMaxEvents(r *http.Request) (int, error) {
	v := r.URL.Query().Get("max_events")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("max_events must be an integer")
	}
	return n, nil
}

func mapMarketError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrProposalNotFound):
		WriteError(w, http.StatusNotFound, "proposal_not_found", err.Error())
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		WriteError(w, http.StatusNotFound, "subscription_not_found", err.Error())
	case errors.Is(err, domain.ErrAgreementNotFound):
		WriteError(w, http.StatusNotFound, "agreement_not_found", err.Error())
	case errors.Is(err, domain.ErrSubscriptionExpired):
		WriteError(w, http.StatusGone, "subscription_expired", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrOwnProposal):
		WriteError(w, http.StatusConflict, "own_proposal_reaction", err.Error())
	case errors.Is(err, domain.ErrAlreadyCountered):
		WriteError(w, http.StatusConflict, "proposal_already_countered", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, domain.ErrNotMatching):
		WriteError(w, http.StatusConflict, "proposals_not_matching", err.Error())
	case errors.Is(err, domain.ErrMatchingFailed):
		WriteError(w, http.StatusBadRequest, "matching_failed", err.Error())
	case errors.Is(err, domain.ErrInvalidMaxEvents):
		WriteError(w, http.StatusBadRequest, "invalid_max_events", err.Error())
	case errors.Is(err, domain.ErrWaitTimeout):
		WriteError(w, http.StatusRequestTimeout, "wait_timeout", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
