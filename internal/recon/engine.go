package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relay-crm/relay/internal/billing"
)

// Engine is the reconciliation engine. Each call executes as an
// independent, short-lived unit; the engine holds no mutable state.
type Engine struct {
	logger    *slog.Logger
	ledger    Ledger
	recompute Recomputer
	gateway   GatewayPort
	directory ClientDirectory
	outbox    *Outbox
	match     MatchPolicy
	score     ScorePolicy
}

// EngineParams groups Engine dependencies.
type EngineParams struct {
	Logger    *slog.Logger
	Ledger    Ledger
	Recompute Recomputer
	Gateway   GatewayPort
	Directory ClientDirectory
	Outbox    *Outbox
	Match     *MatchPolicy
	Score     *ScorePolicy
}

// NewEngine builds an Engine with default policies unless overridden.
func NewEngine(p EngineParams) *Engine {
	match := DefaultMatchPolicy()
	if p.Match != nil {
		match = *p.Match
	}
	score := DefaultScorePolicy()
	if p.Score != nil {
		score = *p.Score
	}
	return &Engine{
		logger:    p.Logger,
		ledger:    p.Ledger,
		recompute: p.Recompute,
		gateway:   p.Gateway,
		directory: p.Directory,
		outbox:    p.Outbox,
		match:     match,
		score:     score,
	}
}

// HandlePaymentEvent is the automatic reconciliation path. NoMatch,
// Ambiguous and Duplicate are reported through the Outcome, not as errors,
// so the caller can acknowledge the delivery either way.
func (e *Engine) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) (Outcome, error) {
	if ev.Ref == "" {
		return Outcome{Status: OutcomeNoMatch}, nil
	}

	// Duplicate guard before any mutation. The unique constraint on
	// (invoice, external reference) backstops the race between two
	// concurrent deliveries.
	existing, err := e.ledger.FindPaymentByExternalRef(ctx, ev.Ref)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: duplicate guard: %v", ErrStoreWrite, err)
	}
	if len(existing) > 0 {
		e.logger.Info("payment already recorded", slog.String("ref", ev.Ref))
		return Outcome{Status: OutcomeDuplicate, Payment: &existing[0]}, nil
	}

	inv, status, err := e.resolveInvoice(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}

	// Installment marking is independent of the invoice-level record.
	if ev.Meta.InstallmentID > 0 {
		e.markInstallment(ctx, ev)
	}

	if inv == nil {
		e.logger.Warn("payment event unmatched",
			slog.String("ref", ev.Ref),
			slog.Int64("amount", ev.Amount),
			slog.String("outcome", string(status)))
		return Outcome{Status: status}, nil
	}

	payment, err := e.recordPayment(ctx, inv, ev)
	if errors.Is(err, billing.ErrDuplicatePayment) {
		// Lost the race with a concurrent delivery of the same event.
		return Outcome{Status: OutcomeDuplicate}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: create payment: %v", ErrStoreWrite, err)
	}

	updated, err := e.recompute.Recompute(ctx, inv.OrgID, inv.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: recompute invoice %d: %v", ErrStoreWrite, inv.ID, err)
	}

	e.dispatchEffects(ctx, updated, payment)
	return Outcome{Status: OutcomeRecorded, Invoice: updated, Payment: payment}, nil
}

// resolveInvoice implements the direct and fallback resolution rules.
// A nil invoice with OutcomeNoMatch or OutcomeAmbiguous is a valid result.
func (e *Engine) resolveInvoice(ctx context.Context, ev PaymentEvent) (*billing.Invoice, OutcomeStatus, error) {
	// Direct resolution via explicit metadata.
	if ev.Meta.InvoiceID > 0 {
		inv, err := e.ledger.GetInvoiceByID(ctx, ev.Meta.InvoiceID)
		if err == nil {
			return inv, OutcomeRecorded, nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: load invoice %d: %v", ErrStoreWrite, ev.Meta.InvoiceID, err)
		}
		e.logger.Warn("event metadata names unknown invoice",
			slog.Int64("invoice_id", ev.Meta.InvoiceID), slog.String("ref", ev.Ref))
	}

	// An installment pins down its invoice as well.
	if ev.Meta.InstallmentID > 0 {
		ins, err := e.ledger.GetInstallment(ctx, ev.Meta.InstallmentID)
		if err == nil {
			inv, err := e.ledger.GetInvoiceByID(ctx, ins.InvoiceID)
			if err == nil {
				return inv, OutcomeRecorded, nil
			}
		} else if !errors.Is(err, billing.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: load installment %d: %v", ErrStoreWrite, ev.Meta.InstallmentID, err)
		}
	}

	// Fallback: open invoices with the exact payment amount, narrowed by the
	// payer's email variants when one is obtainable.
	candidates, err := e.ledger.FindOpenByAmount(ctx, ev.Meta.OrgID, ev.Amount)
	if err != nil {
		return nil, "", fmt.Errorf("%w: search open invoices: %v", ErrStoreWrite, err)
	}

	if email := e.payerEmail(ctx, ev); email != "" && e.directory != nil {
		variants := e.match.EmailVariants(email)
		matched, err := e.directory.FindByEmails(ctx, ev.Meta.OrgID, variants)
		if err != nil {
			return nil, "", fmt.Errorf("%w: resolve clients by email: %v", ErrStoreWrite, err)
		}
		if len(matched) > 0 {
			clientIDs := make(map[int64]struct{}, len(matched))
			for _, c := range matched {
				clientIDs[c.ID] = struct{}{}
			}
			narrowed := candidates[:0:0]
			for _, inv := range candidates {
				if _, ok := clientIDs[inv.ClientID]; ok {
					narrowed = append(narrowed, inv)
				}
			}
			if len(narrowed) > 0 {
				candidates = narrowed
			}
		}
	}

	inv, status := e.match.SelectUnambiguous(candidates)
	if inv != nil {
		return inv, status, nil
	}

	// Last tier: client supplied in metadata but no invoice id. This can
	// still break a tie the provenance tiers declined.
	if ev.Meta.ClientID > 0 {
		var byClient []billing.Invoice
		for _, c := range candidates {
			if c.ClientID == ev.Meta.ClientID {
				byClient = append(byClient, c)
			}
		}
		switch len(byClient) {
		case 1:
			return &byClient[0], OutcomeRecorded, nil
		case 0:
		default:
			return nil, OutcomeAmbiguous, nil
		}
	}

	return nil, status, nil
}

// payerEmail picks the best observed payer address: the event's receipt
// email, then the customer email, then a gateway lookup.
func (e *Engine) payerEmail(ctx context.Context, ev PaymentEvent) string {
	if ev.ReceiptEmail != "" {
		return ev.ReceiptEmail
	}
	if ev.PayerEmail != "" {
		return ev.PayerEmail
	}
	if ev.PayerRef != "" && e.gateway != nil {
		gw, err := e.gateway.GetPayment(ctx, ev.Ref)
		if err != nil {
			e.logger.Warn("gateway email lookup failed",
				slog.String("ref", ev.Ref), slog.Any("error", err))
			return ""
		}
		if gw.ReceiptEmail != "" {
			return gw.ReceiptEmail
		}
		return gw.PayerEmail
	}
	return ""
}

func (e *Engine) markInstallment(ctx context.Context, ev PaymentEvent) {
	paidAt := ev.Created
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	if err := e.ledger.MarkInstallmentPaid(ctx, ev.Meta.InstallmentID, ev.Ref, paidAt); err != nil {
		e.logger.Warn("mark installment paid",
			slog.Int64("installment_id", ev.Meta.InstallmentID), slog.Any("error", err))
	}
}

func (e *Engine) recordPayment(ctx context.Context, inv *billing.Invoice, ev PaymentEvent) (*billing.Payment, error) {
	method := "card"
	if len(ev.MethodTypes) > 0 {
		method = ev.MethodTypes[0]
	}
	paidAt := ev.Created
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	return e.ledger.CreatePayment(ctx, billing.CreatePaymentInput{
		Number:      newPaymentNumber(),
		InvoiceID:   inv.ID,
		Amount:      ev.Amount,
		ExternalRef: ev.Ref,
		Method:      method,
		PaidAt:      paidAt,
		Meta: billing.PaymentMeta{
			RecordedBy:    billing.RecordedByWebhook,
			PayerRef:      ev.PayerRef,
			InstallmentID: ev.Meta.InstallmentID,
		},
	})
}

// HandleInvoiceDocEvent ingests a status-carrying event for an externally
// issued invoice document, upserted by its gateway reference. A paid
// invoice is never downgraded by an out-of-order event. When neither event
// metadata nor an existing row supplies org and client, the event is
// skipped silently: no valid row can be created.
func (e *Engine) HandleInvoiceDocEvent(ctx context.Context, ev InvoiceDocEvent) error {
	if ev.Ref == "" {
		return nil
	}
	existing, err := e.ledger.FindByExternalRef(ctx, ev.Ref)
	if err != nil {
		return fmt.Errorf("%w: lookup by reference: %v", ErrStoreWrite, err)
	}

	orgID, clientID := ev.Meta.OrgID, ev.Meta.ClientID
	current := billing.StatusDraft
	number := ev.Number
	if len(existing) > 0 {
		row := existing[0]
		current = row.Status
		if orgID == 0 {
			orgID = row.OrgID
		}
		if clientID == 0 {
			clientID = row.ClientID
		}
		if number == "" {
			number = row.Number
		}
	}
	if orgID == 0 || clientID == 0 {
		e.logger.Info("invoice document event skipped: no org/client linkage",
			slog.String("ref", ev.Ref))
		return nil
	}

	next := billing.NextStatus(current, ev.Status)
	_, err = e.ledger.UpsertGatewayInvoice(ctx, billing.UpsertGatewayInvoiceInput{
		OrgID:       orgID,
		ClientID:    clientID,
		Number:      number,
		Currency:    ev.Currency,
		Amount:      ev.Amount,
		Status:      next,
		ExternalRef: ev.Ref,
		IssuedAt:    ev.IssuedAt,
		DueAt:       ev.DueAt,
	})
	if err != nil {
		return fmt.Errorf("%w: upsert invoice document: %v", ErrStoreWrite, err)
	}
	return nil
}

func (e *Engine) dispatchEffects(ctx context.Context, inv *billing.Invoice, payment *billing.Payment) {
	if e.outbox == nil {
		return
	}
	notice := PaymentNotice{
		OrgID:         inv.OrgID,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		ClientID:      inv.ClientID,
		PaymentID:     payment.ID,
		Amount:        payment.Amount,
		Currency:      inv.Currency,
		Ref:           payment.ExternalRef,
		Status:        string(inv.Status),
		RecordedBy:    payment.Meta.RecordedBy,
	}
	e.outbox.Dispatch(ctx, e.outbox.PaymentEffects(notice))
}

func newPaymentNumber() string {
	return "PAY-" + uuid.NewString()[:8]
}
