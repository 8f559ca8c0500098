package handler

import (
	"errors"
	"net/http"

	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/protocol"
)

// ProtocolHandler exposes the inbound side of the peer protocol. The
// caller identity comes from the transport headers; in production a
// fronting proxy or mTLS layer is expected to have verified it.
type ProtocolHandler struct {
	handlers protocol.Handlers
}

// NewProtocolHandler creates a new ProtocolHandler.
func NewProtocolHandler(handlers protocol.Handlers) *ProtocolHandler {
	return &ProtocolHandler{handlers: handlers}
}

func callerIdentity(r *http.Request) (string, domain.Owner, bool) {
	caller := r.Header.Get("X-Caller-Id")
	role := domain.Owner(r.Header.Get("X-Caller-Role"))
	if caller == "" || !role.Valid() {
		return "", "", false
	}
	return caller, role, true
}

// Proposal handles POST /protocol/proposal.
func (h *ProtocolHandler) Proposal(w http.ResponseWriter, r *http.Request) {
	caller, role, ok := callerIdentity(r)
	if !ok {
		writeRemoteError(w, protocol.ErrRemoteNotFound)
		return
	}

	var msg protocol.ProposalReceived
	if err := ParseJSON(r, &msg); err != nil {
		writeRemoteError(w, protocol.ErrRemoteInternal)
		return
	}
	if err := h.handlers.OnProposalReceived(msg, caller, role); err != nil {
		writeRemoteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reject handles POST /protocol/reject.
func (h *ProtocolHandler) Reject(w http.ResponseWriter, r *http.Request) {
	caller, role, ok := callerIdentity(r)
	if !ok {
		writeRemoteError(w, protocol.ErrRemoteNotFound)
		return
	}

	var msg protocol.ProposalRejected
	if err := ParseJSON(r, &msg); err != nil {
		writeRemoteError(w, protocol.ErrRemoteInternal)
		return
	}
	if err := h.handlers.OnProposalRejected(msg, caller, role); err != nil {
		writeRemoteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Terminate handles POST /protocol/terminate.
func (h *ProtocolHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	caller, role, ok := callerIdentity(r)
	if !ok {
		writeRemoteError(w, protocol.ErrRemoteNotFound)
		return
	}

	var msg protocol.AgreementTerminated
	if err := ParseJSON(r, &msg); err != nil {
		writeRemoteError(w, protocol.ErrRemoteInternal)
		return
	}
	if err := h.handlers.OnAgreementTerminated(msg, caller, role); err != nil {
		writeRemoteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRemoteError emits a remote-taxonomy error in the shape the
// outbound transport expects to decode.
func writeRemoteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrRemoteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrRemoteAlreadyCountered):
		status = http.StatusConflict
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
