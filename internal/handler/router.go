package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/minimarket/internal/domain"
	"github.com/efreitasn/minimarket/internal/service"
)

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(broker *service.CommonBroker, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	// Create handlers.
	marketH := NewMarketHandler(broker)
	agreementH := NewAgreementHandler(broker)
	protocolH := NewProtocolHandler(broker)

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Demand routes (requestor side).
	r.Post("/demands", marketH.Subscribe(domain.OwnerRequestor))
	r.Delete("/demands/{subscription_id}", marketH.Unsubscribe)
	r.Get("/demands/{subscription_id}/events", marketH.QueryEvents(domain.OwnerRequestor))
	r.Get("/demands/{subscription_id}/proposals/{proposal_id}", marketH.GetProposal)
	r.Post("/demands/{subscription_id}/proposals/{proposal_id}", marketH.CounterProposal(domain.OwnerRequestor))
	r.Post("/demands/{subscription_id}/proposals/{proposal_id}/reject", marketH.RejectProposal(domain.OwnerRequestor))

	// Offer routes (provider side).
	r.Post("/offers", marketH.Subscribe(domain.OwnerProvider))
	r.Delete("/offers/{subscription_id}", marketH.Unsubscribe)
	r.Get("/offers/{subscription_id}/events", marketH.QueryEvents(domain.OwnerProvider))
	r.Get("/offers/{subscription_id}/proposals/{proposal_id}", marketH.GetProposal)
	r.Post("/offers/{subscription_id}/proposals/{proposal_id}", marketH.CounterProposal(domain.OwnerProvider))
	r.Post("/offers/{subscription_id}/proposals/{proposal_id}/reject", marketH.RejectProposal(domain.OwnerProvider))

	// Agreement routes.
	r.Post("/agreements", agreementH.Create)
	r.Get("/agreements/{agreement_id}", agreementH.Get)
	r.Post("/agreements/{agreement_id}/terminate", agreementH.Terminate)
	r.Get("/agreements/{agreement_id}/wait", agreementH.Wait)
	r.Get("/agreement-events", agreementH.Events)

	// Peer protocol routes.
	r.Post("/protocol/proposal", protocolH.Proposal)
	r.Post("/protocol/reject", protocolH.Reject)
	r.Post("/protocol/terminate", protocolH.Terminate)

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
