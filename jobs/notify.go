package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/relay-crm/relay/internal/clients"
	"github.com/relay-crm/relay/internal/recon"
)

// ClientLookup resolves a client record for receipt addressing.
type ClientLookup interface {
	Get(ctx context.Context, orgID, id int64) (*clients.Client, error)
}

// NotifyJob delivers payment notifications and client receipts.
type NotifyJob struct {
	logger  *slog.Logger
	mailer  *Mailer
	clients ClientLookup
	inbox   string
}

// NewNotifyJob constructs a NotifyJob. inbox is the business notification
// address.
func NewNotifyJob(logger *slog.Logger, mailer *Mailer, lookup ClientLookup, inbox string) *NotifyJob {
	return &NotifyJob{logger: logger, mailer: mailer, clients: lookup, inbox: inbox}
}

// HandlePayment processes TaskNotifyPayment tasks.
func (j *NotifyJob) HandlePayment(ctx context.Context, t *asynq.Task) error {
	var p NotifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return asynq.SkipRetry
	}
	if j.inbox == "" {
		j.logger.Debug("notification inbox not configured, skipping", slog.Int64("payment_id", p.PaymentID))
		return nil
	}
	subject := fmt.Sprintf("Payment received for invoice %s", p.InvoiceNumber)
	body := fmt.Sprintf(
		"A payment of %s was recorded for invoice %s.\n\nReference: %s\nRecorded via: %s\nInvoice status: %s\n",
		FormatAmount(p.Amount, p.Currency), p.InvoiceNumber, p.ExternalRef, p.RecordedBy, p.InvoiceStatus)
	if err := j.mailer.Send(j.inbox, subject, body); err != nil {
		return fmt.Errorf("send payment notification: %w", err)
	}
	return nil
}

// HandleReceipt processes TaskNotifyReceipt tasks.
func (j *NotifyJob) HandleReceipt(ctx context.Context, t *asynq.Task) error {
	var p NotifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return asynq.SkipRetry
	}
	if p.ClientID == 0 {
		j.logger.Debug("payment has no client, skipping receipt", slog.Int64("payment_id", p.PaymentID))
		return nil
	}
	client, err := j.clients.Get(ctx, p.OrgID, p.ClientID)
	if err != nil {
		return fmt.Errorf("lookup client %d: %w", p.ClientID, err)
	}
	if client.Email == "" {
		j.logger.Debug("client has no email, skipping receipt", slog.Int64("client_id", p.ClientID))
		return nil
	}
	subject := fmt.Sprintf("Receipt for invoice %s", p.InvoiceNumber)
	body := fmt.Sprintf(
		"Hi %s,\n\nWe received your payment of %s for invoice %s. Thank you!\n",
		client.Name, FormatAmount(p.Amount, p.Currency), p.InvoiceNumber)
	if err := j.mailer.Send(client.Email, subject, body); err != nil {
		return fmt.Errorf("send receipt: %w", err)
	}
	return nil
}

// Notifier adapts the queue client to the reconciliation engine's
// notification port. Implements recon.Notifier.
type Notifier struct {
	client *Client
}

// NewNotifier constructs the adapter.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

func payloadFromNotice(n recon.PaymentNotice) NotifyPayload {
	return NotifyPayload{
		OrgID:         n.OrgID,
		InvoiceID:     n.InvoiceID,
		InvoiceNumber: n.InvoiceNumber,
		ClientID:      n.ClientID,
		PaymentID:     n.PaymentID,
		Amount:        n.Amount,
		Currency:      n.Currency,
		ExternalRef:   n.Ref,
		InvoiceStatus: n.Status,
		RecordedBy:    n.RecordedBy,
	}
}

// PaymentRecorded enqueues the internal notification.
func (n *Notifier) PaymentRecorded(ctx context.Context, notice recon.PaymentNotice) error {
	_, err := n.client.EnqueueNotifyPayment(ctx, payloadFromNotice(notice))
	return err
}

// ReceiptRequested enqueues the client receipt.
func (n *Notifier) ReceiptRequested(ctx context.Context, notice recon.PaymentNotice) error {
	_, err := n.client.EnqueueNotifyReceipt(ctx, payloadFromNotice(notice))
	return err
}
