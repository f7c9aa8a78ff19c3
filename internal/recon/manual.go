package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relay-crm/relay/internal/billing"
)

// SearchResult is the manual-path diagnosis for a gateway reference.
type SearchResult struct {
	Gateway          *GatewayPayment   `json:"gateway"`
	ExistingPayments []billing.Payment `json:"existing_payments"`
	LinkedInvoices   []billing.Invoice `json:"linked_invoices"`
	Candidates       []Candidate       `json:"candidates"`
}

// ApplyRequest is an operator's decision to attach a payment to an invoice.
type ApplyRequest struct {
	OrgID          int64
	InvoiceID      int64
	Ref            string
	PaymentDate    *time.Time
	AmountOverride *int64
	ForceCreate    bool
}

// ApplyResult returns the created record and updated invoice state for
// operator confirmation.
type ApplyResult struct {
	Payment *billing.Payment `json:"payment"`
	Invoice *billing.Invoice `json:"invoice"`
}

// Search retrieves the authoritative gateway state for a reference and
// diagnoses how it relates to the ledger: an existing record, an invoice
// already carrying the reference, and a ranked list of open candidates.
func (e *Engine) Search(ctx context.Context, orgID int64, ref string) (*SearchResult, error) {
	if orgID == 0 {
		return nil, ErrNotAuthorized
	}
	if ref == "" {
		return nil, fmt.Errorf("recon: reference required")
	}

	// The operator needs the true amount to proceed; no fallback.
	gw, err := e.gateway.GetPayment(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayLookup, err)
	}

	var (
		payments []billing.Payment
		linked   []billing.Invoice
		open     []billing.Invoice
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		payments, err = e.ledger.FindPaymentByExternalRef(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		linked, err = e.ledger.FindByExternalRef(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		open, err = e.ledger.FindOpenForOrg(gctx, orgID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: manual search: %v", ErrStoreWrite, err)
	}

	// The reference lookups are global; expose only this org's rows.
	linked = filterOrg(linked, orgID)

	return &SearchResult{
		Gateway:          gw,
		ExistingPayments: payments,
		LinkedInvoices:   linked,
		Candidates:       e.score.Rank(open, ScoreTarget{Ref: ref, Amount: gw.Amount}),
	}, nil
}

// Apply records the payment against the operator-selected invoice. The
// create-record and invoice-update steps are one effective unit: if the
// recompute fails after the record was written, the error is surfaced but
// the record stays, to be reconciled by re-running the recompute.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if req.OrgID == 0 {
		return nil, ErrNotAuthorized
	}
	inv, err := e.ledger.GetInvoice(ctx, req.OrgID, req.InvoiceID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load invoice: %v", ErrStoreWrite, err)
	}

	gw, err := e.gateway.GetPayment(ctx, req.Ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayLookup, err)
	}

	existing, err := e.ledger.FindPaymentByExternalRef(ctx, req.Ref)
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate check: %v", ErrStoreWrite, err)
	}
	for _, p := range existing {
		if p.InvoiceID == req.InvoiceID {
			return nil, fmt.Errorf("%w: invoice %d already has a record for %s",
				ErrDuplicateRecord, req.InvoiceID, req.Ref)
		}
	}

	recordedBy := billing.RecordedByManualLink
	switch {
	case inv.ExternalRef == req.Ref:
		// Link exists but the record is missing (a prior webhook failure).
		// Repairing it requires the explicit create-missing flag.
		if !req.ForceCreate {
			return nil, fmt.Errorf("%w: invoice %d is already linked to %s; set force_create_missing_record to repair",
				ErrDuplicateRecord, req.InvoiceID, req.Ref)
		}
		recordedBy = billing.RecordedByMissingRepair
	case req.ForceCreate:
		return nil, fmt.Errorf("recon: force_create_missing_record requires the invoice to already carry reference %s", req.Ref)
	}

	amount := gw.Amount
	overridden := false
	if req.AmountOverride != nil {
		amount = *req.AmountOverride
		overridden = true
	}
	paidAt := gw.Created
	if req.PaymentDate != nil {
		paidAt = *req.PaymentDate
	}
	if paidAt.IsZero() {
		paidAt = time.Now()
	}

	payment, err := e.ledger.CreatePayment(ctx, billing.CreatePaymentInput{
		Number:      newPaymentNumber(),
		InvoiceID:   req.InvoiceID,
		Amount:      amount,
		ExternalRef: req.Ref,
		Method:      gw.Method,
		PaidAt:      paidAt,
		Meta: billing.PaymentMeta{
			RecordedBy:       recordedBy,
			PayerRef:         gw.PayerRef,
			AmountOverridden: overridden,
		},
	})
	if errors.Is(err, billing.ErrDuplicatePayment) {
		return nil, fmt.Errorf("%w: invoice %d already has a record for %s",
			ErrDuplicateRecord, req.InvoiceID, req.Ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create payment: %v", ErrStoreWrite, err)
	}

	if inv.ExternalRef == "" {
		if err := e.ledger.SetExternalRef(ctx, req.InvoiceID, req.Ref); err != nil {
			e.logger.Warn("write reference onto invoice",
				slog.Int64("invoice_id", req.InvoiceID), slog.Any("error", err))
		}
	}

	updated, err := e.recompute.Recompute(ctx, req.OrgID, req.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: payment %d recorded but invoice recompute failed: %v",
			ErrStoreWrite, payment.ID, err)
	}

	e.dispatchEffects(ctx, updated, payment)
	return &ApplyResult{Payment: payment, Invoice: updated}, nil
}

func filterOrg(invoices []billing.Invoice, orgID int64) []billing.Invoice {
	out := invoices[:0:0]
	for _, inv := range invoices {
		if inv.OrgID == orgID {
			out = append(out, inv)
		}
	}
	return out
}
