package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/efreitasn/minimarket/internal/domain"
)

// Transport delivers negotiation messages to a remote peer. The `as`
// role is the role the local node acts in for this negotiation; the
// receiving side observes it as the caller role.
type Transport interface {
	SendProposal(ctx context.Context, to domain.NodeID, as domain.Owner, msg ProposalReceived) error
	SendRejection(ctx context.Context, to domain.NodeID, as domain.Owner, msg ProposalRejected) error
	SendTermination(ctx context.Context, to domain.NodeID, as domain.Owner, msg AgreementTerminated) error
}

// Resolver maps a node identity to the base URL of its protocol
// endpoint.
type Resolver func(domain.NodeID) (string, error)

// HTTPTransport delivers messages as JSON POSTs to the peer's /protocol
// endpoints, identifying the local node via headers. Peer identity
// verification is the deployment's concern (fronting proxy or mTLS);
// this client only states who it is.
type HTTPTransport struct {
	Self    domain.NodeID
	Resolve Resolver
	Client  *http.Client
}

// NewHTTPTransport creates an HTTPTransport with the given request
// timeout.
func NewHTTPTransport(self domain.NodeID, resolve Resolver, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Self:    self,
		Resolve: resolve,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) SendProposal(ctx context.Context, to domain.NodeID, as domain.Owner, msg ProposalReceived) error {
	return t.post(ctx, to, as, "/protocol/proposal", msg)
}

func (t *HTTPTransport) SendRejection(ctx context.Context, to domain.NodeID, as domain.Owner, msg ProposalRejected) error {
	return t.post(ctx, to, as, "/protocol/reject", msg)
}

func (t *HTTPTransport) SendTermination(ctx context.Context, to domain.NodeID, as domain.Owner, msg AgreementTerminated) error {
	return t.post(ctx, to, as, "/protocol/terminate", msg)
}

func (t *HTTPTransport) post(ctx context.Context, to domain.NodeID, as domain.Owner, path string, msg any) error {
	base, err := t.Resolve(to)
	if err != nil {
		return fmt.Errorf("resolving peer %s: %w", to, err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Id", string(t.Self))
	req.Header.Set("X-Caller-Role", string(as))

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering to %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var remote struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &remote)
		switch remote.Error {
		case ErrRemoteNotFound.Error():
			return ErrRemoteNotFound
		case ErrRemoteAlreadyCountered.Error():
			return ErrRemoteAlreadyCountered
		}
		return fmt.Errorf("%w: peer %s replied %d", ErrRemoteInternal, to, resp.StatusCode)
	}
	return nil
}

// Loopback delivers messages directly to a local Handlers instance.
// Used in tests to wire two brokers back to back without a network.
type Loopback struct {
	Self domain.NodeID
	Dest Handlers
}

func (l *Loopback) SendProposal(_ context.Context, _ domain.NodeID, as domain.Owner, msg ProposalReceived) error {
	if l.Dest == nil {
		return nil
	}
	return l.Dest.OnProposalReceived(msg, string(l.Self), as)
}

func (l *Loopback) SendRejection(_ context.Context, _ domain.NodeID, as domain.Owner, msg ProposalRejected) error {
	if l.Dest == nil {
		return nil
	}
	return l.Dest.OnProposalRejected(msg, string(l.Self), as)
}

func (l *Loopback) SendTermination(_ context.Context, _ domain.NodeID, as domain.Owner, msg AgreementTerminated) error {
	if l.Dest == nil {
		return nil
	}
	return l.Dest.OnAgreementTerminated(msg, string(l.Self), as)
}
