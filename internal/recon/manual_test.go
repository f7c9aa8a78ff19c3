package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relay-crm/relay/internal/billing"
)

func TestSearchRequiresOrg(t *testing.T) {
	engine := testEngine(t, newMemLedger())
	_, err := engine.Search(context.Background(), 0, "pi_1")
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSearchGatewayFailureIsFatal(t *testing.T) {
	engine := testEngine(t, newMemLedger(), func(p *EngineParams) {
		p.Gateway = &stubGateway{err: errors.New("api down")}
	})
	_, err := engine.Search(context.Background(), 1, "pi_1")
	require.ErrorIs(t, err, ErrGatewayLookup)
}

func TestSearchDiagnosis(t *testing.T) {
	ledger := newMemLedger()
	linked := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 5000, Status: billing.StatusSent, ExternalRef: "pi_1",
	})
	ledger.addInvoice(billing.Invoice{
		OrgID: 2, ClientID: 9, Amount: 5000, Status: billing.StatusSent, ExternalRef: "pi_1",
	})
	open := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 8, Amount: 5000, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger, func(p *EngineParams) {
		p.Gateway = &stubGateway{payment: &GatewayPayment{Ref: "pi_1", Amount: 5000, Status: "succeeded"}}
	})

	result, err := engine.Search(context.Background(), 1, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, result.Gateway)
	require.Empty(t, result.ExistingPayments)

	// Invoices of other orgs never leak into the result.
	require.Len(t, result.LinkedInvoices, 1)
	require.Equal(t, linked.ID, result.LinkedInvoices[0].ID)

	require.Len(t, result.Candidates, 2)
	ids := []int64{result.Candidates[0].Invoice.ID, result.Candidates[1].Invoice.ID}
	require.Contains(t, ids, linked.ID)
	require.Contains(t, ids, open.ID)
	// The invoice already carrying the reference ranks first.
	require.Equal(t, linked.ID, result.Candidates[0].Invoice.ID)
}

func TestSearchListsPaidInvoicesBelowOpenOnes(t *testing.T) {
	ledger := newMemLedger()
	paid := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 5000, TotalPaid: 5000, Status: billing.StatusPaid,
	})
	open := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 8, Amount: 5000, Remaining: 5000, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger, func(p *EngineParams) {
		p.Gateway = &stubGateway{payment: &GatewayPayment{Ref: "pi_1", Amount: 5000, Status: "succeeded"}}
	})

	result, err := engine.Search(context.Background(), 1, "pi_1")
	require.NoError(t, err)

	// A paid invoice still shows up for the operator, it just misses the
	// exact-balance and not-paid score rules.
	require.Len(t, result.Candidates, 2)
	require.Equal(t, open.ID, result.Candidates[0].Invoice.ID)
	require.Equal(t, paid.ID, result.Candidates[1].Invoice.ID)
	require.NotContains(t, result.Candidates[1].MatchedRules, "not_paid")
	require.Greater(t, result.Candidates[0].Score, result.Candidates[1].Score)
}

func applyEngine(t *testing.T, ledger *memLedger, gw *GatewayPayment) *Engine {
	t.Helper()
	return testEngine(t, ledger, func(p *EngineParams) {
		p.Gateway = &stubGateway{payment: gw}
	})
}

func TestApplyRecordsAndRecomputes(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 5000, Status: billing.StatusSent,
	})
	engine := applyEngine(t, ledger, &GatewayPayment{
		Ref: "pi_1", Amount: 5000, Method: "card", Created: time.Now(),
	})

	result, err := engine.Apply(context.Background(), ApplyRequest{
		OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1",
	})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, result.Invoice.Status)
	require.Equal(t, billing.RecordedByManualLink, result.Payment.Meta.RecordedBy)
	// The reference is written onto the invoice for future lookups.
	require.Equal(t, "pi_1", ledger.invoices[inv.ID].ExternalRef)
}

func TestApplyRejectsExistingRecord(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 5000, Status: billing.StatusSent,
	})
	engine := applyEngine(t, ledger, &GatewayPayment{Ref: "pi_1", Amount: 5000})

	_, err := engine.Apply(context.Background(), ApplyRequest{OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1"})
	require.NoError(t, err)

	_, err = engine.Apply(context.Background(), ApplyRequest{OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1"})
	require.ErrorIs(t, err, ErrDuplicateRecord)

	// Force does not override a real existing record either.
	_, err = engine.Apply(context.Background(), ApplyRequest{
		OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1", ForceCreate: true,
	})
	require.ErrorIs(t, err, ErrDuplicateRecord)
}

func TestApplyMissingRecordRepair(t *testing.T) {
	ledger := newMemLedger()
	// Linked to the reference but with no payment record: the webhook
	// failed after SetExternalRef or the record was lost.
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 5000, Status: billing.StatusSent, ExternalRef: "pi_1",
	})
	engine := applyEngine(t, ledger, &GatewayPayment{Ref: "pi_1", Amount: 5000})

	_, err := engine.Apply(context.Background(), ApplyRequest{OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1"})
	require.ErrorIs(t, err, ErrDuplicateRecord)

	result, err := engine.Apply(context.Background(), ApplyRequest{
		OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1", ForceCreate: true,
	})
	require.NoError(t, err)
	require.Equal(t, billing.RecordedByMissingRepair, result.Payment.Meta.RecordedBy)
	require.Equal(t, billing.StatusPaid, result.Invoice.Status)
}

func TestApplyForceRequiresStoredReference(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 5000, Status: billing.StatusSent, ExternalRef: "pi_other",
	})
	engine := applyEngine(t, ledger, &GatewayPayment{Ref: "pi_1", Amount: 5000})

	_, err := engine.Apply(context.Background(), ApplyRequest{
		OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1", ForceCreate: true,
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDuplicateRecord)
	require.Empty(t, ledger.payments)
}

func TestApplyOverrides(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 10000, Status: billing.StatusSent,
	})
	gwCreated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := applyEngine(t, ledger, &GatewayPayment{Ref: "pi_1", Amount: 10000, Created: gwCreated})

	override := int64(4000)
	when := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	result, err := engine.Apply(context.Background(), ApplyRequest{
		OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1",
		AmountOverride: &override, PaymentDate: &when,
	})
	require.NoError(t, err)
	require.EqualValues(t, 4000, result.Payment.Amount)
	require.True(t, result.Payment.Meta.AmountOverridden)
	require.Equal(t, when, result.Payment.PaidAt)
	require.Equal(t, billing.StatusPartiallyPaid, result.Invoice.Status)
	require.EqualValues(t, 6000, result.Invoice.Remaining)
}

func TestApplyUnknownInvoice(t *testing.T) {
	engine := applyEngine(t, newMemLedger(), &GatewayPayment{Ref: "pi_1", Amount: 5000})
	_, err := engine.Apply(context.Background(), ApplyRequest{OrgID: 1, InvoiceID: 999, Ref: "pi_1"})
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestApplyOtherOrgInvoiceHidden(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 2, Amount: 5000, Status: billing.StatusSent,
	})
	engine := applyEngine(t, ledger, &GatewayPayment{Ref: "pi_1", Amount: 5000})

	_, err := engine.Apply(context.Background(), ApplyRequest{OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1"})
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestApplyRecomputeFailureKeepsRecord(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 5000, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger, func(p *EngineParams) {
		p.Gateway = &stubGateway{payment: &GatewayPayment{Ref: "pi_1", Amount: 5000}}
		p.Recompute = &memRecompute{ledger: ledger, fail: errors.New("deadlock")}
	})

	_, err := engine.Apply(context.Background(), ApplyRequest{OrgID: 1, InvoiceID: inv.ID, Ref: "pi_1"})
	require.ErrorIs(t, err, ErrStoreWrite)
	// The record is kept; re-running the recompute reconciles the invoice.
	require.Len(t, ledger.payments, 1)
}
