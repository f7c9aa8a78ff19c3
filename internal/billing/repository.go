package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relay-crm/relay/internal/platform/httpx"
)

// ErrNotFound indicates resource not found.
var ErrNotFound = fmt.Errorf("billing: %w", httpx.ErrNotFound)

// ErrDuplicatePayment indicates the (invoice, external reference) pair is
// already recorded. Raised by the unique constraint backstop so a second
// concurrent delivery of the same gateway event fails cleanly.
var ErrDuplicatePayment = fmt.Errorf("billing: payment already recorded: %w", httpx.ErrDuplicate)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for invoices, payments
// and installments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, org_id, client_id, number, currency, amount, total_paid, remaining,
	status, source, COALESCE(external_ref, ''), issued_at, due_at, paid_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var paidAt pgtype.Timestamptz
	err := row.Scan(
		&inv.ID, &inv.OrgID, &inv.ClientID, &inv.Number, &inv.Currency,
		&inv.Amount, &inv.TotalPaid, &inv.Remaining,
		&inv.Status, &inv.Source, &inv.ExternalRef,
		&inv.IssuedAt, &inv.DueAt, &paidAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	return &inv, nil
}

// CreateInvoice inserts a new invoice in draft state unless a status is supplied.
func (r *Repository) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	status := input.Status
	if status == "" {
		status = StatusDraft
	}
	source := input.Source
	if source == "" {
		source = SourceManual
	}
	var ref any
	if input.ExternalRef != "" {
		ref = input.ExternalRef
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (org_id, client_id, number, currency, amount, total_paid, remaining,
			status, source, external_ref, issued_at, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING `+invoiceColumns,
		input.OrgID, input.ClientID, input.Number, input.Currency, input.Amount,
		status, source, ref, input.IssuedAt, input.DueAt,
	)
	return scanInvoice(row)
}

// GetInvoiceByID retrieves an invoice by ID without org scoping. Reserved
// for event ingestion paths where no authenticated org context exists.
func (r *Repository) GetInvoiceByID(ctx context.Context, id int64) (*Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

// GetInvoice retrieves an invoice by ID scoped to an organization.
func (r *Repository) GetInvoice(ctx context.Context, orgID, id int64) (*Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND org_id = $2`, id, orgID)
	return scanInvoice(row)
}

// ListInvoices returns invoices matching the request filters.
func (r *Repository) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE org_id = $1`
	args := []any{req.OrgID}
	argNum := 2

	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, req.Status)
		argNum++
	}
	if req.ClientID > 0 {
		query += fmt.Sprintf(" AND client_id = $%d", argNum)
		args = append(args, req.ClientID)
		argNum++
	}
	query += " ORDER BY issued_at DESC, id DESC"
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, req.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// FindOpenByAmount returns invoices in an open state whose amount equals
// the given amount, scoped to an organization when orgID is non-zero.
func (r *Repository) FindOpenByAmount(ctx context.Context, orgID, amount int64) ([]Invoice, error) {
	open := make([]string, 0, len(OpenStatuses()))
	for _, s := range OpenStatuses() {
		open = append(open, string(s))
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE amount = $1 AND status = ANY($2)`
	args := []any{amount, open}
	if orgID > 0 {
		query += ` AND org_id = $3`
		args = append(args, orgID)
	}
	query += ` ORDER BY issued_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// FindOpenForOrg returns open invoices for an organization, newest first.
func (r *Repository) FindOpenForOrg(ctx context.Context, orgID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE org_id = $1 AND status NOT IN ('void')
		ORDER BY issued_at DESC LIMIT 200`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// FindByExternalRef returns invoices that carry the given gateway reference.
func (r *Repository) FindByExternalRef(ctx context.Context, ref string) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE external_ref = $1`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// SetExternalRef writes the gateway reference onto an invoice if absent.
func (r *Repository) SetExternalRef(ctx context.Context, invoiceID int64, ref string) error {
	_, err := r.pool.Exec(ctx, `UPDATE invoices SET external_ref = $2, updated_at = NOW()
		WHERE id = $1 AND (external_ref IS NULL OR external_ref = '')`, invoiceID, ref)
	return err
}

// UpdateStatusTotals persists recomputed totals and status for an invoice.
func (r *Repository) UpdateStatusTotals(ctx context.Context, invoiceID int64, status InvoiceStatus, totalPaid, remaining int64, paidAt *time.Time) error {
	var paid pgtype.Timestamptz
	if paidAt != nil {
		paid = pgtype.Timestamptz{Time: *paidAt, Valid: true}
	}
	tag, err := r.pool.Exec(ctx, `UPDATE invoices
		SET status = $2, total_paid = $3, remaining = $4,
			paid_at = COALESCE($5, paid_at), updated_at = NOW()
		WHERE id = $1`, invoiceID, status, totalPaid, remaining, paid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertGatewayInvoice inserts or updates an externally issued invoice keyed
// by its gateway reference. The caller is responsible for applying the
// status-transition guard before passing the status here.
func (r *Repository) UpsertGatewayInvoice(ctx context.Context, input UpsertGatewayInvoiceInput) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (org_id, client_id, number, currency, amount, total_paid, remaining,
			status, source, external_ref, issued_at, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (external_ref) DO UPDATE SET
			status = EXCLUDED.status,
			amount = EXCLUDED.amount,
			remaining = GREATEST(EXCLUDED.amount - invoices.total_paid, 0),
			issued_at = EXCLUDED.issued_at,
			due_at = EXCLUDED.due_at,
			updated_at = NOW()
		RETURNING `+invoiceColumns,
		input.OrgID, input.ClientID, input.Number, input.Currency, input.Amount,
		input.Status, SourceGatewayInvoice, input.ExternalRef, input.IssuedAt, input.DueAt,
	)
	return scanInvoice(row)
}

// CreatePayment inserts a payment record. A unique index on
// (invoice_id, external_ref) turns a concurrent duplicate delivery into
// ErrDuplicatePayment rather than a second row.
func (r *Repository) CreatePayment(ctx context.Context, input CreatePaymentInput) (*Payment, error) {
	meta, err := json.Marshal(input.Meta)
	if err != nil {
		return nil, err
	}
	var ref any
	if input.ExternalRef != "" {
		ref = input.ExternalRef
	}
	var p Payment
	err = r.pool.QueryRow(ctx, `
		INSERT INTO invoice_payments (number, invoice_id, amount, external_ref, method, paid_at, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`,
		input.Number, input.InvoiceID, input.Amount, ref, input.Method, input.PaidAt, meta,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicatePayment
		}
		return nil, err
	}
	p.Number = input.Number
	p.InvoiceID = input.InvoiceID
	p.Amount = input.Amount
	p.ExternalRef = input.ExternalRef
	p.Method = input.Method
	p.PaidAt = input.PaidAt
	p.Meta = input.Meta
	return &p, nil
}

// FindPaymentByExternalRef returns payment records carrying a gateway reference.
func (r *Repository) FindPaymentByExternalRef(ctx context.Context, ref string) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, number, invoice_id, amount, COALESCE(external_ref, ''), method, paid_at, meta, created_at
		FROM invoice_payments WHERE external_ref = $1`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// ListPayments returns payment records for an invoice, oldest first.
func (r *Repository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, number, invoice_id, amount, COALESCE(external_ref, ''), method, paid_at, meta, created_at
		FROM invoice_payments WHERE invoice_id = $1 ORDER BY paid_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// SumPayments recomputes the paid total from the full current payment set.
func (r *Repository) SumPayments(ctx context.Context, invoiceID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM invoice_payments WHERE invoice_id = $1`,
		invoiceID).Scan(&sum)
	return sum, err
}

// GetInstallment retrieves a payment-plan installment.
func (r *Repository) GetInstallment(ctx context.Context, id int64) (*Installment, error) {
	var ins Installment
	var paidAt pgtype.Timestamptz
	err := r.pool.QueryRow(ctx, `
		SELECT id, invoice_id, seq, amount, due_at, paid, paid_at, COALESCE(external_ref, '')
		FROM installments WHERE id = $1`, id).
		Scan(&ins.ID, &ins.InvoiceID, &ins.Seq, &ins.Amount, &ins.DueAt, &ins.Paid, &paidAt, &ins.ExternalRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		ins.PaidAt = &paidAt.Time
	}
	return &ins, nil
}

// MarkInstallmentPaid marks an installment paid with the gateway reference.
func (r *Repository) MarkInstallmentPaid(ctx context.Context, id int64, ref string, paidAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE installments
		SET paid = TRUE, paid_at = $2, external_ref = $3 WHERE id = $1`, id, paidAt, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverdueCandidates returns sent invoices past their due date.
func (r *Repository) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'sent' AND due_at < $1 ORDER BY due_at`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// UpdateStatus sets an invoice status without touching totals.
func (r *Repository) UpdateStatus(ctx context.Context, invoiceID int64, status InvoiceStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1`, invoiceID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectInvoices(rows pgx.Rows) ([]Invoice, error) {
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func collectPayments(rows pgx.Rows) ([]Payment, error) {
	var payments []Payment
	for rows.Next() {
		var p Payment
		var meta []byte
		if err := rows.Scan(&p.ID, &p.Number, &p.InvoiceID, &p.Amount, &p.ExternalRef,
			&p.Method, &p.PaidAt, &meta, &p.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &p.Meta)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}
