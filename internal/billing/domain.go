package billing

import (
	"time"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "draft"
	StatusSent          InvoiceStatus = "sent"
	StatusOverdue       InvoiceStatus = "overdue"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
	StatusVoid          InvoiceStatus = "void"
)

// Source tags which subsystem created an invoice.
type Source string

const (
	SourcePaymentLink    Source = "payment_link"
	SourceCRMImport      Source = "crm_import"
	SourceManual         Source = "manual"
	SourceRecurring      Source = "recurring"
	SourceGatewayInvoice Source = "gateway_invoice"
)

// Invoice model. Amounts are integer minor-currency units.
type Invoice struct {
	ID          int64
	OrgID       int64
	ClientID    int64
	Number      string
	Currency    string
	Amount      int64
	TotalPaid   int64
	Remaining   int64
	Status      InvoiceStatus
	Source      Source
	ExternalRef string
	IssuedAt    time.Time
	DueAt       time.Time
	PaidAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payment model. At most one payment per (invoice, external reference) pair.
type Payment struct {
	ID          int64
	Number      string
	InvoiceID   int64
	Amount      int64
	ExternalRef string
	Method      string
	PaidAt      time.Time
	Meta        PaymentMeta
	CreatedAt   time.Time
}

// PaymentMeta records provenance of a payment record.
type PaymentMeta struct {
	RecordedBy       string `json:"recorded_by,omitempty"`
	PayerRef         string `json:"payer_ref,omitempty"`
	InstallmentID    int64  `json:"installment_id,omitempty"`
	AmountOverridden bool   `json:"amount_overridden,omitempty"`
}

// Recording paths stored in PaymentMeta.RecordedBy.
const (
	RecordedByWebhook       = "webhook"
	RecordedByManualLink    = "manual_link"
	RecordedByMissingRepair = "missing_record_repair"
)

// Installment is one scheduled partial payment within a payment plan.
type Installment struct {
	ID          int64
	InvoiceID   int64
	Seq         int
	Amount      int64
	DueAt       time.Time
	Paid        bool
	PaidAt      *time.Time
	ExternalRef string
}

// InvoiceDetail bundles an invoice with its payment records.
type InvoiceDetail struct {
	Invoice
	Payments []Payment
}

// OpenStatuses are the states an unpaid invoice can be matched in.
func OpenStatuses() []InvoiceStatus {
	return []InvoiceStatus{StatusSent, StatusDraft}
}
