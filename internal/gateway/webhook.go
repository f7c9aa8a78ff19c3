package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/relay-crm/relay/internal/billing"
	"github.com/relay-crm/relay/internal/recon"
)

// Decoder verifies Stripe webhook signatures and translates events into
// the engine's event types. It implements recon.WebhookDecoder.
type Decoder struct {
	secret string
}

// NewDecoder builds Decoder instance.
func NewDecoder(endpointSecret string) *Decoder {
	return &Decoder{secret: endpointSecret}
}

// Decode verifies the payload signature and maps the event. Event types
// the service does not consume decode to a nil-field WebhookEvent.
// Verification rests on the signature alone: an endpoint configured on a
// different Stripe API version must not have valid deliveries rejected.
func (d *Decoder) Decode(payload []byte, signature string) (*recon.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, d.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recon.ErrBadSignature, err)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		return &recon.WebhookEvent{Payment: paymentEvent(&pi)}, nil
	case "invoice.finalized", "invoice.paid", "invoice.voided", "invoice.marked_uncollectible":
		var in stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &in); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		return &recon.WebhookEvent{InvoiceDoc: invoiceDocEvent(&in)}, nil
	default:
		return &recon.WebhookEvent{}, nil
	}
}

func paymentEvent(pi *stripe.PaymentIntent) *recon.PaymentEvent {
	ev := &recon.PaymentEvent{
		Ref:          pi.ID,
		Amount:       pi.AmountReceived,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Created:      time.Unix(pi.Created, 0).UTC(),
		ReceiptEmail: pi.ReceiptEmail,
		Meta:         metaFromStripe(pi.Metadata),
	}
	if pi.Customer != nil {
		ev.PayerRef = pi.Customer.ID
		// Webhook payloads carry the customer unexpanded; the email is
		// only present when Stripe chose to inline the object.
		ev.PayerEmail = pi.Customer.Email
	}
	for _, mt := range pi.PaymentMethodTypes {
		ev.MethodTypes = append(ev.MethodTypes, mt)
	}
	return ev
}

func invoiceDocEvent(in *stripe.Invoice) *recon.InvoiceDocEvent {
	ev := &recon.InvoiceDocEvent{
		Ref:      in.ID,
		Status:   invoiceStatus(in.Status),
		Amount:   in.Total,
		Currency: string(in.Currency),
		Number:   in.Number,
		IssuedAt: time.Unix(in.Created, 0).UTC(),
		Meta:     metaFromStripe(in.Metadata),
	}
	if in.DueDate > 0 {
		ev.DueAt = time.Unix(in.DueDate, 0).UTC()
	}
	return ev
}

func invoiceStatus(s stripe.InvoiceStatus) billing.InvoiceStatus {
	switch s {
	case stripe.InvoiceStatusDraft:
		return billing.StatusDraft
	case stripe.InvoiceStatusOpen:
		return billing.StatusSent
	case stripe.InvoiceStatusPaid:
		return billing.StatusPaid
	case stripe.InvoiceStatusVoid:
		return billing.StatusVoid
	case stripe.InvoiceStatusUncollectible:
		return billing.StatusOverdue
	default:
		return billing.StatusSent
	}
}
