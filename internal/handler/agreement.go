package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/service"
)

// AgreementHandler handles HTTP requests for agreement endpoints.
type AgreementHandler struct {
	broker *service.CommonBroker
}

// NewAgreementHandler creates a new AgreementHandler.
func NewAgreementHandler(broker *service.CommonBroker) *AgreementHandler {
	return &AgreementHandler{broker: broker}
}

// createAgreementRequest is the JSON request body for POST /agreements.
type createAgreementRequest struct {
	AgreementID string `json:"agreement_id"`
	ProviderID  string `json:"provider_id"`
	RequestorID string `json:"requestor_id"`
	SessionID   string `json:"session_id"`
	ValidTo     string `json:"valid_to"`
}

// agreementResponse is the JSON response for an agreement.
type agreementResponse struct {
	AgreementID       string `json:"agreement_id"`
	ProviderID        string `json:"provider_id"`
	RequestorID       string `json:"requestor_id"`
	SessionID         string `json:"session_id,omitempty"`
	State             string `json:"state"`
	TerminationReason string `json:"termination_reason,omitempty"`
	TerminatedBy      string `json:"terminated_by,omitempty"`
	ValidTo           string `json:"valid_to"`
}

// terminateAgreementRequest is the JSON request body for termination.
type terminateAgreementRequest struct {
	Reason *domain.Reason `json:"reason"`
}

// agreementEventResponse is a single termination event.
type agreementEventResponse struct {
	AgreementID string `json:"agreement_id"`
	SessionID   string `json:"session_id,omitempty"`
	Terminator  string `json:"terminator"`
	Reason      string `json:"reason"`
	Timestamp   string `json:"timestamp"`
}

func buildAgreementResponse(a *domain.Agreement) agreementResponse {
	return agreementResponse{
		AgreementID:       a.ID.String(),
		ProviderID:        string(a.ProviderID),
		RequestorID:       string(a.RequestorID),
		SessionID:         a.SessionID,
		State:             string(a.State),
		TerminationReason: a.TerminationReason,
		TerminatedBy:      string(a.TerminatedBy),
		ValidTo:           a.ValidTo.Format(time.RFC3339),
	}
}

// Create handles POST /agreements.
func (h *AgreementHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	validTo, err := time.Parse(time.RFC3339, req.ValidTo)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "valid_to must be a valid RFC 3339 timestamp")
		return
	}

	id, err := domain.ParseAgreementID(req.AgreementID)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	agreement := &domain.Agreement{
		ID:          id,
		ProviderID:  domain.NodeID(req.ProviderID),
		RequestorID: domain.NodeID(req.RequestorID),
		SessionID:   req.SessionID,
		State:       domain.AgreementApproved,
		CreatedAt:   time.Now().UTC(),
		ValidTo:     validTo,
	}
	if err := h.broker.CreateAgreement(agreement); err != nil {
		mapMarketError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildAgreementResponse(agreement))
}

// Get handles GET /agreements/{agreement_id}.
func (h *AgreementHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseAgreementID(chi.URLParam(r, "agreement_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	callerID := domain.NodeID(r.Header.Get(callerHeader))

	agreement, err := h.broker.GetAgreement(callerID, id)
	if err != nil {
		mapMarketError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildAgreementResponse(agreement))
}

// Terminate handles POST /agreements/{agreement_id}/terminate.
func (h *AgreementHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseAgreementID(chi.URLParam(r, "agreement_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	callerID := domain.NodeID(r.Header.Get(callerHeader))

	var req terminateAgreementRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.broker.TerminateAgreement(r.Context(), callerID, id, req.Reason); err != nil {
		mapMarketError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Wait handles GET /agreements/{agreement_id}/wait.
func (h *AgreementHandler) Wait(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseAgreementID(chi.URLParam(r, "agreement_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	callerID := domain.NodeID(r.Header.Get(callerHeader))

	timeout, err := parseTimeout(r, 30*time.Second)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	agreement, err := h.broker.WaitForTermination(r.Context(), callerID, id, timeout)
	if err != nil {
		mapMarketError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildAgreementResponse(agreement))
}

// Events handles GET /agreement-events.
func (h *AgreementHandler) Events(w http.ResponseWriter, r *http.Request) {
	callerID := domain.NodeID(r.Header.Get(callerHeader))
	sessionID := r.URL.Query().Get("session")

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

	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		after, err = time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "after must be a valid RFC 3339 timestamp")
			return
		}
	}

	events, err := h.broker.QueryAgreementEvents(r.Context(), callerID, sessionID, timeout, maxEvents, after)
	if err != nil {
		mapMarketError(w, err)
		return
	}

	resp := make([]agreementEventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, agreementEventResponse{
			AgreementID: ev.AgreementID.String(),
			SessionID:   ev.SessionID,
			Terminator:  string(ev.Terminator),
			Reason:      ev.Reason,
			Timestamp:   ev.Timestamp.Format(time.RFC3339),
		})
	}
	WriteJSON(w, http.StatusOK, resp)
}
