package recon

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/relay-crm/relay/internal/auth"
	"github.com/relay-crm/relay/internal/platform/httpx"
)

// WebhookEvent is a decoded gateway webhook. Exactly one field is set for
// events the service consumes; both nil means the event type is ignored.
type WebhookEvent struct {
	Payment    *PaymentEvent
	InvoiceDoc *InvoiceDocEvent
}

// WebhookDecoder verifies and decodes a signed gateway webhook payload.
type WebhookDecoder interface {
	Decode(payload []byte, signature string) (*WebhookEvent, error)
}

// ErrBadSignature rejects webhook deliveries that fail verification.
var ErrBadSignature = errors.New("recon: webhook signature verification failed")

// maxWebhookBody caps webhook payload size.
const maxWebhookBody = 1 << 16

// OutcomeObserver counts reconciliation outcomes for metrics.
type OutcomeObserver interface {
	ObserveOutcome(outcome string)
}

// Handler exposes the webhook endpoint and the manual operator tool.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	decoder  WebhookDecoder
	validate *validator.Validate

	// Observer is optional; when set, webhook outcomes are counted.
	Observer OutcomeObserver
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, decoder WebhookDecoder) *Handler {
	return &Handler{logger: logger, engine: engine, decoder: decoder, validate: validator.New()}
}

// MountWebhook registers the public gateway webhook route.
func (h *Handler) MountWebhook(r chi.Router) {
	r.Post("/stripe", h.webhook)
}

// MountRoutes registers the authenticated operator routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/search", h.search)
	r.Post("/apply", h.apply)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable payload")
		return
	}
	ev, err := h.decoder.Decode(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "signature verification failed")
		return
	}

	switch {
	case ev == nil:
		// Event type the service does not consume; acknowledge it.
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case ev.Payment != nil:
		outcome, err := h.engine.HandlePaymentEvent(r.Context(), *ev.Payment)
		if err != nil {
			// Store failures are retryable; let the gateway redeliver.
			h.logger.Error("payment event failed", slog.String("ref", ev.Payment.Ref), slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		if h.Observer != nil {
			h.Observer.ObserveOutcome(string(outcome.Status))
		}
		// NoMatch, Ambiguous and Duplicate are acknowledged so the gateway
		// does not retry indefinitely; manual repair is available.
		httpx.JSON(w, http.StatusOK, map[string]string{"status": string(outcome.Status)})
	case ev.InvoiceDoc != nil:
		if err := h.engine.HandleInvoiceDocEvent(r.Context(), *ev.InvoiceDoc); err != nil {
			h.logger.Error("invoice document event failed", slog.String("ref", ev.InvoiceDoc.Ref), slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

type searchRequest struct {
	ExternalReference string `json:"external_reference" validate:"required"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	org := auth.OrgFromContext(r.Context())
	if org == nil {
		httpx.RespondError(w, ErrNotAuthorized)
		return
	}
	var req searchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.engine.Search(r.Context(), org.ID, req.ExternalReference)
	if err != nil {
		h.logger.Error("manual search", slog.String("ref", req.ExternalReference), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type applyRequest struct {
	InvoiceID          int64  `json:"invoice_id" validate:"required,gt=0"`
	ExternalReference  string `json:"external_reference" validate:"required"`
	PaymentDate        string `json:"payment_date"`
	PaymentAmount      *int64 `json:"payment_amount_override" validate:"omitempty,gt=0"`
	ForceCreateMissing bool   `json:"force_create_missing_record"`
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	org := auth.OrgFromContext(r.Context())
	if org == nil {
		httpx.RespondError(w, ErrNotAuthorized)
		return
	}
	var req applyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	apply := ApplyRequest{
		OrgID:          org.ID,
		InvoiceID:      req.InvoiceID,
		Ref:            req.ExternalReference,
		AmountOverride: req.PaymentAmount,
		ForceCreate:    req.ForceCreateMissing,
	}
	if req.PaymentDate != "" {
		d, err := time.Parse("2006-01-02", req.PaymentDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "payment_date must be YYYY-MM-DD")
			return
		}
		apply.PaymentDate = &d
	}

	result, err := h.engine.Apply(r.Context(), apply)
	if err != nil {
		h.logger.Error("manual apply",
			slog.Int64("invoice_id", req.InvoiceID),
			slog.String("ref", req.ExternalReference),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
