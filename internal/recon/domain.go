// Package recon implements payment-to-invoice reconciliation: the automatic
// webhook-driven path, the operator-assisted manual path, and the direct
// ingestion of externally issued invoice documents.
package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/relay-crm/relay/internal/billing"
	"github.com/relay-crm/relay/internal/clients"
	"github.com/relay-crm/relay/internal/platform/httpx"
)

// Error kinds. Wrapping the httpx sentinels lets the HTTP layer map error
// chains without per-handler switches.
var (
	ErrNotAuthorized   = fmt.Errorf("recon: no organization context: %w", httpx.ErrUnauthorized)
	ErrGatewayLookup   = fmt.Errorf("recon: gateway lookup failed: %w", httpx.ErrUpstream)
	ErrAmbiguousMatch  = fmt.Errorf("recon: more than one invoice candidate")
	ErrNoMatch         = fmt.Errorf("recon: no invoice candidate")
	ErrDuplicateRecord = fmt.Errorf("recon: reference already recorded: %w", httpx.ErrDuplicate)
	ErrInvoiceNotFound = fmt.Errorf("recon: invoice not found: %w", httpx.ErrNotFound)
	ErrStoreWrite      = fmt.Errorf("recon: store write failed")
)

// EventMeta carries optional linkage metadata attached to a gateway event.
type EventMeta struct {
	InvoiceID     int64
	ClientID      int64
	OrgID         int64
	InstallmentID int64
}

// PaymentEvent is a payment-succeeded notification from the gateway.
type PaymentEvent struct {
	Ref          string
	Amount       int64
	Currency     string
	Status       string
	Created      time.Time
	PayerRef     string
	PayerEmail   string
	ReceiptEmail string
	MethodTypes  []string
	Meta         EventMeta
}

// InvoiceDocEvent is a status-carrying event for an externally issued
// invoice document, keyed by its gateway reference.
type InvoiceDocEvent struct {
	Ref      string
	Status   billing.InvoiceStatus
	Amount   int64
	Currency string
	Number   string
	IssuedAt time.Time
	DueAt    time.Time
	Meta     EventMeta
}

// GatewayPayment is the authoritative payment state retrieved from the
// gateway for a reference.
type GatewayPayment struct {
	Ref          string
	Amount       int64
	Currency     string
	Status       string
	Created      time.Time
	PayerRef     string
	PayerEmail   string
	ReceiptEmail string
	Method       string
}

// GatewayPort retrieves authoritative payment data from the external
// processor.
type GatewayPort interface {
	GetPayment(ctx context.Context, ref string) (*GatewayPayment, error)
}

// Ledger defines the store operations the engine needs.
type Ledger interface {
	FindPaymentByExternalRef(ctx context.Context, ref string) ([]billing.Payment, error)
	CreatePayment(ctx context.Context, input billing.CreatePaymentInput) (*billing.Payment, error)
	GetInvoiceByID(ctx context.Context, id int64) (*billing.Invoice, error)
	GetInvoice(ctx context.Context, orgID, id int64) (*billing.Invoice, error)
	FindOpenByAmount(ctx context.Context, orgID, amount int64) ([]billing.Invoice, error)
	FindOpenForOrg(ctx context.Context, orgID int64) ([]billing.Invoice, error)
	FindByExternalRef(ctx context.Context, ref string) ([]billing.Invoice, error)
	SetExternalRef(ctx context.Context, invoiceID int64, ref string) error
	UpsertGatewayInvoice(ctx context.Context, input billing.UpsertGatewayInvoiceInput) (*billing.Invoice, error)
	GetInstallment(ctx context.Context, id int64) (*billing.Installment, error)
	MarkInstallmentPaid(ctx context.Context, id int64, ref string, paidAt time.Time) error
}

// Recomputer re-derives invoice totals and status from the payment set.
type Recomputer interface {
	Recompute(ctx context.Context, orgID, invoiceID int64) (*billing.Invoice, error)
}

// ClientDirectory resolves clients by candidate email addresses.
type ClientDirectory interface {
	FindByEmails(ctx context.Context, orgID int64, emails []string) ([]clients.Client, error)
}

// OutcomeStatus classifies how the automatic path handled an event.
type OutcomeStatus string

const (
	OutcomeRecorded  OutcomeStatus = "recorded"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeNoMatch   OutcomeStatus = "no_match"
	OutcomeAmbiguous OutcomeStatus = "ambiguous"
)

// Outcome reports the result of automatic reconciliation. NoMatch and
// Ambiguous are explicit non-fatal outcomes: the event is acknowledged and
// left for manual handling.
type Outcome struct {
	Status  OutcomeStatus
	Invoice *billing.Invoice
	Payment *billing.Payment
}
