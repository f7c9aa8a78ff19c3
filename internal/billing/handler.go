package billing

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/relay-crm/relay/internal/auth"
	"github.com/relay-crm/relay/internal/platform/httpx"
)

// Handler manages invoice endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listInvoices)
	r.Post("/", h.createInvoice)
	r.Get("/{id}", h.getInvoice)
	r.Post("/{id}/send", h.sendInvoice)
	r.Post("/{id}/void", h.voidInvoice)
}

type createInvoiceRequest struct {
	ClientID int64  `json:"client_id" validate:"required,gt=0"`
	Number   string `json:"number"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Source   string `json:"source" validate:"omitempty,oneof=payment_link crm_import manual recurring"`
	IssuedAt string `json:"issued_at"`
	DueAt    string `json:"due_at"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	org := auth.OrgFromContext(r.Context())
	if org == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInvoiceInput{
		OrgID:    org.ID,
		ClientID: req.ClientID,
		Number:   req.Number,
		Currency: req.Currency,
		Amount:   req.Amount,
		Source:   Source(req.Source),
	}
	if req.IssuedAt != "" {
		input.IssuedAt, _ = time.Parse("2006-01-02", req.IssuedAt)
	}
	if req.DueAt != "" {
		input.DueAt, _ = time.Parse("2006-01-02", req.DueAt)
	}

	inv, err := h.service.IssueInvoice(r.Context(), input)
	if err != nil {
		h.logger.Error("create invoice", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Invoice Rejected", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	org := auth.OrgFromContext(r.Context())
	if org == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	clientID, _ := strconv.ParseInt(r.URL.Query().Get("client_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	invoices, err := h.service.ListInvoices(r.Context(), ListInvoicesRequest{
		OrgID:    org.ID,
		ClientID: clientID,
		Status:   InvoiceStatus(r.URL.Query().Get("status")),
		Limit:    limit,
	})
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	org := auth.OrgFromContext(r.Context())
	if org == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice ID")
		return
	}
	detail, err := h.service.GetInvoiceDetail(r.Context(), org.ID, id)
	if err != nil {
		h.logger.Error("get invoice", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) sendInvoice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.SendInvoice)
}

func (h *Handler) voidInvoice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.VoidInvoice)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, orgID, id int64) (*Invoice, error)) {
	org := auth.OrgFromContext(r.Context())
	if org == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice ID")
		return
	}
	inv, err := fn(r.Context(), org.ID, id)
	if err != nil {
		h.logger.Error("invoice transition", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}
