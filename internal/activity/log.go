// Package activity writes append-only per-organization activity entries.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relay-crm/relay/internal/recon"
)

// Entry represents a record stored in activity_log.
type Entry struct {
	OrgID    int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Logger writes records into activity_log.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger returns a new Logger.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Record persists the log entry.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if l == nil {
		return errors.New("activity logger not initialised")
	}
	if e.Action == "" || e.Entity == "" || e.EntityID == "" {
		return errors.New("activity entry requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return err
	}
	var at any
	if !e.At.IsZero() {
		at = e.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO activity_log (org_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, e.OrgID, e.Action, e.Entity, e.EntityID, metaJSON, at)
	return err
}

// PaymentActivity records a payment-recorded entry for the invoice the
// payment was applied to.
func (l *Logger) PaymentActivity(ctx context.Context, notice recon.PaymentNotice) error {
	return l.Record(ctx, Entry{
		OrgID:    notice.OrgID,
		Action:   "payment.recorded",
		Entity:   "invoice",
		EntityID: strconv.FormatInt(notice.InvoiceID, 10),
		Meta: map[string]any{
			"payment_id":     notice.PaymentID,
			"amount":         notice.Amount,
			"currency":       notice.Currency,
			"external_ref":   notice.Ref,
			"invoice_status": notice.Status,
			"recorded_by":    notice.RecordedBy,
		},
	})
}
