package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relay-crm/relay/internal/billing"
	"github.com/relay-crm/relay/internal/clients"
)

type memLedger struct {
	invoices     map[int64]*billing.Invoice
	payments     []billing.Payment
	installments map[int64]*billing.Installment
	nextID       int64

	failCreatePayment error
}

func newMemLedger() *memLedger {
	return &memLedger{
		invoices:     make(map[int64]*billing.Invoice),
		installments: make(map[int64]*billing.Installment),
	}
}

func (m *memLedger) addInvoice(inv billing.Invoice) *billing.Invoice {
	if inv.ID == 0 {
		m.nextID++
		inv.ID = m.nextID
	}
	inv.Remaining = billing.RemainingBalance(inv.Amount, inv.TotalPaid)
	copied := inv
	m.invoices[inv.ID] = &copied
	return m.invoices[inv.ID]
}

func (m *memLedger) FindPaymentByExternalRef(ctx context.Context, ref string) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range m.payments {
		if p.ExternalRef == ref {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memLedger) CreatePayment(ctx context.Context, input billing.CreatePaymentInput) (*billing.Payment, error) {
	if m.failCreatePayment != nil {
		return nil, m.failCreatePayment
	}
	for _, p := range m.payments {
		if p.InvoiceID == input.InvoiceID && p.ExternalRef == input.ExternalRef && input.ExternalRef != "" {
			return nil, billing.ErrDuplicatePayment
		}
	}
	m.nextID++
	p := billing.Payment{
		ID:          m.nextID,
		Number:      input.Number,
		InvoiceID:   input.InvoiceID,
		Amount:      input.Amount,
		ExternalRef: input.ExternalRef,
		Method:      input.Method,
		PaidAt:      input.PaidAt,
		Meta:        input.Meta,
		CreatedAt:   time.Now(),
	}
	m.payments = append(m.payments, p)
	return &p, nil
}

func (m *memLedger) GetInvoiceByID(ctx context.Context, id int64) (*billing.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return inv, nil
}

func (m *memLedger) GetInvoice(ctx context.Context, orgID, id int64) (*billing.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok || inv.OrgID != orgID {
		return nil, billing.ErrNotFound
	}
	return inv, nil
}

func (m *memLedger) FindOpenByAmount(ctx context.Context, orgID, amount int64) ([]billing.Invoice, error) {
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if inv.Amount != amount {
			continue
		}
		if inv.Status != billing.StatusSent && inv.Status != billing.StatusDraft {
			continue
		}
		if orgID > 0 && inv.OrgID != orgID {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

// FindOpenForOrg excludes only void rows, like the real repository: the
// manual search tool still lists paid invoices, they just score lower.
func (m *memLedger) FindOpenForOrg(ctx context.Context, orgID int64) ([]billing.Invoice, error) {
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if inv.OrgID != orgID {
			continue
		}
		if inv.Status == billing.StatusVoid {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (m *memLedger) FindByExternalRef(ctx context.Context, ref string) ([]billing.Invoice, error) {
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if inv.ExternalRef == ref {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (m *memLedger) SetExternalRef(ctx context.Context, invoiceID int64, ref string) error {
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return billing.ErrNotFound
	}
	if inv.ExternalRef == "" {
		inv.ExternalRef = ref
	}
	return nil
}

func (m *memLedger) UpsertGatewayInvoice(ctx context.Context, input billing.UpsertGatewayInvoiceInput) (*billing.Invoice, error) {
	for _, inv := range m.invoices {
		if inv.ExternalRef == input.ExternalRef {
			inv.Status = input.Status
			inv.Amount = input.Amount
			inv.Remaining = billing.RemainingBalance(input.Amount, inv.TotalPaid)
			if input.Number != "" {
				inv.Number = input.Number
			}
			return inv, nil
		}
	}
	created := m.addInvoice(billing.Invoice{
		OrgID:       input.OrgID,
		ClientID:    input.ClientID,
		Number:      input.Number,
		Currency:    input.Currency,
		Amount:      input.Amount,
		Status:      input.Status,
		Source:      billing.SourceGatewayInvoice,
		ExternalRef: input.ExternalRef,
		IssuedAt:    input.IssuedAt,
		DueAt:       input.DueAt,
	})
	return created, nil
}

func (m *memLedger) GetInstallment(ctx context.Context, id int64) (*billing.Installment, error) {
	ins, ok := m.installments[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return ins, nil
}

func (m *memLedger) MarkInstallmentPaid(ctx context.Context, id int64, ref string, paidAt time.Time) error {
	ins, ok := m.installments[id]
	if !ok {
		return billing.ErrNotFound
	}
	ins.Paid = true
	ins.ExternalRef = ref
	ins.PaidAt = &paidAt
	return nil
}

// memRecompute re-derives invoice totals from the ledger's payment set,
// mirroring the production recompute.
type memRecompute struct {
	ledger *memLedger
	fail   error
}

func (m *memRecompute) Recompute(ctx context.Context, orgID, invoiceID int64) (*billing.Invoice, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	inv, ok := m.ledger.invoices[invoiceID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	var total int64
	for _, p := range m.ledger.payments {
		if p.InvoiceID == invoiceID {
			total += p.Amount
		}
	}
	inv.TotalPaid = total
	inv.Remaining = billing.RemainingBalance(inv.Amount, total)
	inv.Status = billing.StatusForTotals(inv.Status, inv.Amount, total)
	if inv.Status == billing.StatusPaid && inv.PaidAt == nil {
		now := time.Now()
		inv.PaidAt = &now
	}
	return inv, nil
}

type memDirectory struct {
	clients []clients.Client
}

func (m *memDirectory) FindByEmails(ctx context.Context, orgID int64, emails []string) ([]clients.Client, error) {
	want := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		want[e] = struct{}{}
	}
	var out []clients.Client
	for _, c := range m.clients {
		if orgID > 0 && c.OrgID != orgID {
			continue
		}
		if _, ok := want[c.Email]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type stubGateway struct {
	payment *GatewayPayment
	err     error
}

func (s *stubGateway) GetPayment(ctx context.Context, ref string) (*GatewayPayment, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.payment == nil {
		return nil, fmt.Errorf("no such payment %s", ref)
	}
	return s.payment, nil
}

func testEngine(t *testing.T, ledger *memLedger, opts ...func(*EngineParams)) *Engine {
	t.Helper()
	params := EngineParams{
		Logger:    slog.Default(),
		Ledger:    ledger,
		Recompute: &memRecompute{ledger: ledger},
		Gateway:   &stubGateway{},
		Directory: &memDirectory{},
	}
	for _, opt := range opts {
		opt(&params)
	}
	return NewEngine(params)
}

func TestHandlePaymentEventDirectMetadata(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Number: "INV-1001", Currency: "usd",
		Amount: 10000, Status: billing.StatusSent, Source: billing.SourcePaymentLink,
	})
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref:    "pi_100",
		Amount: 10000,
		Meta:   EventMeta{InvoiceID: inv.ID, OrgID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome.Status)
	require.Equal(t, billing.StatusPaid, outcome.Invoice.Status)
	require.EqualValues(t, 10000, outcome.Invoice.TotalPaid)
	require.EqualValues(t, 0, outcome.Invoice.Remaining)
	require.NotNil(t, outcome.Invoice.PaidAt)
	require.Equal(t, billing.RecordedByWebhook, outcome.Payment.Meta.RecordedBy)
}

func TestHandlePaymentEventIdempotent(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 10000, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger)
	ev := PaymentEvent{Ref: "pi_200", Amount: 10000, Meta: EventMeta{InvoiceID: inv.ID}}

	first, err := engine.HandlePaymentEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, first.Status)

	second, err := engine.HandlePaymentEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, second.Status)

	require.Len(t, ledger.payments, 1)
	require.EqualValues(t, 10000, ledger.invoices[inv.ID].TotalPaid)
}

func TestHandlePaymentEventUniqueConstraintBackstop(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 5000, Status: billing.StatusSent,
	})
	ledger.failCreatePayment = billing.ErrDuplicatePayment
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_300", Amount: 5000, Meta: EventMeta{InvoiceID: inv.ID},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome.Status)
}

func TestHandlePaymentEventPartialThenFull(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 10000, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger)

	first, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_400", Amount: 4000, Meta: EventMeta{InvoiceID: inv.ID},
	})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPartiallyPaid, first.Invoice.Status)
	require.EqualValues(t, 6000, first.Invoice.Remaining)

	second, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_401", Amount: 6000, Meta: EventMeta{InvoiceID: inv.ID},
	})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, second.Invoice.Status)
	require.EqualValues(t, 10000, second.Invoice.TotalPaid)
	require.EqualValues(t, 0, second.Invoice.Remaining)
}

func TestHandlePaymentEventPartialOnly(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 10000, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_500", Amount: 3000, Meta: EventMeta{InvoiceID: inv.ID},
	})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPartiallyPaid, outcome.Invoice.Status)
	require.EqualValues(t, 3000, outcome.Invoice.TotalPaid)
	require.EqualValues(t, 7000, outcome.Invoice.Remaining)
}

func TestHandlePaymentEventAmountFallbackUnique(t *testing.T) {
	ledger := newMemLedger()
	ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 2500, Status: billing.StatusSent,
		Source: billing.SourcePaymentLink,
	})
	ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 8, Amount: 9900, Status: billing.StatusSent,
		Source: billing.SourcePaymentLink,
	})
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_600", Amount: 2500, Meta: EventMeta{OrgID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome.Status)
	require.EqualValues(t, 7, outcome.Invoice.ClientID)
}

func TestHandlePaymentEventAmbiguousDeclines(t *testing.T) {
	ledger := newMemLedger()
	ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 2500, Status: billing.StatusSent,
		Source: billing.SourcePaymentLink,
	})
	ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 8, Amount: 2500, Status: billing.StatusSent,
		Source: billing.SourcePaymentLink,
	})
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_700", Amount: 2500, Meta: EventMeta{OrgID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAmbiguous, outcome.Status)
	require.Empty(t, ledger.payments)
}

func TestHandlePaymentEventProvenanceTierBreaksTie(t *testing.T) {
	ledger := newMemLedger()
	linkInv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 2500, Status: billing.StatusSent,
		Source: billing.SourcePaymentLink,
	})
	ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 8, Amount: 2500, Status: billing.StatusSent,
		Source: billing.SourceManual,
	})
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_800", Amount: 2500, Meta: EventMeta{OrgID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome.Status)
	require.Equal(t, linkInv.ID, outcome.Invoice.ID)
}

func TestHandlePaymentEventClientMetadataBreaksTie(t *testing.T) {
	ledger := newMemLedger()
	danaInv := ledger.addInvoice(billing.Invoice{
		OrgID: 7, ClientID: 1, Amount: 2500, Status: billing.StatusSent,
	})
	ledger.addInvoice(billing.Invoice{
		OrgID: 7, ClientID: 2, Amount: 2500, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger)

	// Two open invoices share the amount, but the event names a client: the
	// client tier resolves what provenance alone would decline.
	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_810", Amount: 2500, Meta: EventMeta{OrgID: 7, ClientID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome.Status)
	require.Equal(t, danaInv.ID, outcome.Invoice.ID)
	require.Len(t, ledger.payments, 1)
}

func TestHandlePaymentEventClientMetadataStillAmbiguous(t *testing.T) {
	ledger := newMemLedger()
	ledger.addInvoice(billing.Invoice{
		OrgID: 7, ClientID: 1, Amount: 2500, Status: billing.StatusSent,
	})
	ledger.addInvoice(billing.Invoice{
		OrgID: 7, ClientID: 1, Amount: 2500, Status: billing.StatusSent,
	})
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_811", Amount: 2500, Meta: EventMeta{OrgID: 7, ClientID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAmbiguous, outcome.Status)
	require.Empty(t, ledger.payments)
}

func TestHandlePaymentEventEmailNarrowsCandidates(t *testing.T) {
	ledger := newMemLedger()
	wanted := ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 7, Amount: 2500, Status: billing.StatusSent,
		Source: billing.SourceManual,
	})
	ledger.addInvoice(billing.Invoice{
		OrgID: 1, ClientID: 8, Amount: 2500, Status: billing.StatusSent,
		Source: billing.SourceManual,
	})
	directory := &memDirectory{clients: []clients.Client{
		{ID: 7, OrgID: 1, Email: "dana@gmail.com"},
	}}
	engine := testEngine(t, ledger, func(p *EngineParams) { p.Directory = directory })

	// The payer used a plus tag and the sibling free-mail domain.
	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_900", Amount: 2500, ReceiptEmail: "dana+invoices@googlemail.com",
		Meta: EventMeta{OrgID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome.Status)
	require.Equal(t, wanted.ID, outcome.Invoice.ID)
}

func TestHandlePaymentEventNoMatch(t *testing.T) {
	ledger := newMemLedger()
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_1000", Amount: 1234, Meta: EventMeta{OrgID: 1},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoMatch, outcome.Status)
	require.Empty(t, ledger.payments)
}

func TestHandlePaymentEventEmptyRef(t *testing.T) {
	engine := testEngine(t, newMemLedger())
	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{Amount: 100})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoMatch, outcome.Status)
}

func TestHandlePaymentEventMarksInstallment(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{
		OrgID: 1, Amount: 10000, Status: billing.StatusSent,
	})
	ledger.installments[41] = &billing.Installment{ID: 41, InvoiceID: inv.ID, Seq: 1, Amount: 5000}
	engine := testEngine(t, ledger)

	outcome, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_1100", Amount: 5000, Meta: EventMeta{InstallmentID: 41},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome.Status)
	require.Equal(t, inv.ID, outcome.Invoice.ID)
	require.True(t, ledger.installments[41].Paid)
	require.Equal(t, "pi_1100", ledger.installments[41].ExternalRef)
}

func TestHandleInvoiceDocEventUpsertAndGuard(t *testing.T) {
	ledger := newMemLedger()
	engine := testEngine(t, ledger)
	ctx := context.Background()

	err := engine.HandleInvoiceDocEvent(ctx, InvoiceDocEvent{
		Ref: "in_100", Status: billing.StatusSent, Amount: 8000, Currency: "usd",
		Number: "INV-S-1", Meta: EventMeta{OrgID: 1, ClientID: 7},
	})
	require.NoError(t, err)
	rows, err := ledger.FindByExternalRef(ctx, "in_100")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, billing.StatusSent, rows[0].Status)

	// Paid arrives, then a stale "sent" replay. The replay must not win.
	err = engine.HandleInvoiceDocEvent(ctx, InvoiceDocEvent{
		Ref: "in_100", Status: billing.StatusPaid, Amount: 8000, Meta: EventMeta{OrgID: 1, ClientID: 7},
	})
	require.NoError(t, err)
	err = engine.HandleInvoiceDocEvent(ctx, InvoiceDocEvent{
		Ref: "in_100", Status: billing.StatusSent, Amount: 8000, Meta: EventMeta{OrgID: 1, ClientID: 7},
	})
	require.NoError(t, err)

	rows, err = ledger.FindByExternalRef(ctx, "in_100")
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, rows[0].Status)
}

func TestHandleInvoiceDocEventSkipsWithoutLinkage(t *testing.T) {
	ledger := newMemLedger()
	engine := testEngine(t, ledger)

	err := engine.HandleInvoiceDocEvent(context.Background(), InvoiceDocEvent{
		Ref: "in_200", Status: billing.StatusSent, Amount: 8000,
	})
	require.NoError(t, err)
	require.Empty(t, ledger.invoices)
}

func TestHandlePaymentEventStoreErrorPropagates(t *testing.T) {
	ledger := newMemLedger()
	inv := ledger.addInvoice(billing.Invoice{OrgID: 1, Amount: 100, Status: billing.StatusSent})
	ledger.failCreatePayment = errors.New("connection reset")
	engine := testEngine(t, ledger)

	_, err := engine.HandlePaymentEvent(context.Background(), PaymentEvent{
		Ref: "pi_1200", Amount: 100, Meta: EventMeta{InvoiceID: inv.ID},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrStoreWrite)
}
