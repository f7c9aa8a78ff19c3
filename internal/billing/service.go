package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateInvoiceInput for creating invoices.
type CreateInvoiceInput struct {
	OrgID       int64
	ClientID    int64
	Number      string
	Currency    string
	Amount      int64
	Status      InvoiceStatus
	Source      Source
	ExternalRef string
	IssuedAt    time.Time
	DueAt       time.Time
}

// UpsertGatewayInvoiceInput for upserting externally issued invoices by reference.
type UpsertGatewayInvoiceInput struct {
	OrgID       int64
	ClientID    int64
	Number      string
	Currency    string
	Amount      int64
	Status      InvoiceStatus
	ExternalRef string
	IssuedAt    time.Time
	DueAt       time.Time
}

// CreatePaymentInput for recording payments.
type CreatePaymentInput struct {
	Number      string
	InvoiceID   int64
	Amount      int64
	ExternalRef string
	Method      string
	PaidAt      time.Time
	Meta        PaymentMeta
}

// ListInvoicesRequest filters invoice listings.
type ListInvoicesRequest struct {
	OrgID    int64
	ClientID int64
	Status   InvoiceStatus
	Limit    int
}

// RepositoryPort defines data access methods for billing.
type RepositoryPort interface {
	CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error)
	GetInvoice(ctx context.Context, orgID, id int64) (*Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error)
	UpdateStatus(ctx context.Context, invoiceID int64, status InvoiceStatus) error
	UpdateStatusTotals(ctx context.Context, invoiceID int64, status InvoiceStatus, totalPaid, remaining int64, paidAt *time.Time) error
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	SumPayments(ctx context.Context, invoiceID int64) (int64, error)
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Invoice, error)
}

// Service handles invoice lifecycle business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// IssueInvoice creates a new invoice.
func (s *Service) IssueInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	if input.OrgID == 0 {
		return nil, errors.New("organization ID required")
	}
	if input.ClientID == 0 {
		return nil, errors.New("client ID required")
	}
	if input.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if input.Currency == "" {
		input.Currency = "usd"
	}
	if input.Number == "" {
		input.Number = "INV-" + uuid.NewString()[:8]
	}
	if input.IssuedAt.IsZero() {
		input.IssuedAt = time.Now()
	}
	if input.DueAt.IsZero() {
		input.DueAt = input.IssuedAt.AddDate(0, 0, 30)
	}
	return s.repo.CreateInvoice(ctx, input)
}

// SendInvoice moves a draft invoice to sent.
func (s *Service) SendInvoice(ctx context.Context, orgID, id int64) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusDraft {
		return nil, fmt.Errorf("invoice %s cannot be sent from status %s", inv.Number, inv.Status)
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusSent); err != nil {
		return nil, err
	}
	inv.Status = StatusSent
	return inv, nil
}

// VoidInvoice voids an invoice. Paid invoices cannot be voided.
func (s *Service) VoidInvoice(ctx context.Context, orgID, id int64) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusPaid || inv.Status == StatusPartiallyPaid {
		return nil, fmt.Errorf("invoice %s has recorded payments and cannot be voided", inv.Number)
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusVoid); err != nil {
		return nil, err
	}
	inv.Status = StatusVoid
	return inv, nil
}

// ListInvoices returns invoices for an organization.
func (s *Service) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 100
	}
	return s.repo.ListInvoices(ctx, req)
}

// GetInvoiceDetail returns an invoice with its payment records.
func (s *Service) GetInvoiceDetail(ctx context.Context, orgID, id int64) (*InvoiceDetail, error) {
	inv, err := s.repo.GetInvoice(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &InvoiceDetail{Invoice: *inv, Payments: payments}, nil
}

// Recompute re-derives total_paid, remaining and status for an invoice from
// the full current set of payment records. Interleaved writes converge to a
// correct sum because nothing is ever incremented in place.
func (s *Service) Recompute(ctx context.Context, orgID, invoiceID int64) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	totalPaid, err := s.repo.SumPayments(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	remaining := RemainingBalance(inv.Amount, totalPaid)
	status := StatusForTotals(inv.Status, inv.Amount, totalPaid)

	var paidAt *time.Time
	if status == StatusPaid && inv.PaidAt == nil {
		now := time.Now()
		paidAt = &now
	}
	if err := s.repo.UpdateStatusTotals(ctx, invoiceID, status, totalPaid, remaining, paidAt); err != nil {
		return nil, err
	}
	inv.TotalPaid = totalPaid
	inv.Remaining = remaining
	inv.Status = status
	if paidAt != nil {
		inv.PaidAt = paidAt
	}
	return inv, nil
}

// SweepOverdue marks sent invoices past their due date as overdue. The
// transition goes through NextStatus so a paid invoice is never touched.
func (s *Service) SweepOverdue(ctx context.Context, asOf time.Time) (int, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	invoices, err := s.repo.ListOverdueCandidates(ctx, asOf)
	if err != nil {
		return 0, err
	}
	var swept int
	for _, inv := range invoices {
		next := NextStatus(inv.Status, StatusOverdue)
		if next != StatusOverdue {
			continue
		}
		if err := s.repo.UpdateStatus(ctx, inv.ID, StatusOverdue); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}
