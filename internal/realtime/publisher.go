// Package realtime publishes domain events over Redis pub/sub for live
// UI subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relay-crm/relay/internal/recon"
)

// Publisher fans domain events out to per-organization channels.
type Publisher struct {
	client *redis.Client
}

// NewPublisher instantiates the publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Event is the JSON envelope subscribers receive.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data"`
}

func channel(orgID int64) string {
	return fmt.Sprintf("org:%d:events", orgID)
}

// Publish serialises the event and publishes it on the organization's
// channel.
func (p *Publisher) Publish(ctx context.Context, orgID int64, ev Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channel(orgID), payload).Err()
}

// PaymentReceived emits a payment-received event for the invoice.
func (p *Publisher) PaymentReceived(ctx context.Context, notice recon.PaymentNotice) error {
	return p.Publish(ctx, notice.OrgID, Event{
		Type: "payment.received",
		Data: map[string]any{
			"invoice_id":     notice.InvoiceID,
			"invoice_number": notice.InvoiceNumber,
			"payment_id":     notice.PaymentID,
			"amount":         notice.Amount,
			"currency":       notice.Currency,
			"invoice_status": notice.Status,
		},
	})
}
