// Package gateway adapts the Stripe API to the reconciliation engine's
// ports: authoritative payment lookup and webhook event decoding.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/relay-crm/relay/internal/recon"
)

// Client wraps the Stripe API client and implements recon.GatewayPort.
type Client struct {
	logger *slog.Logger
	api    *stripe.Client
}

// NewClient builds Client instance.
func NewClient(logger *slog.Logger, secretKey string) *Client {
	return &Client{logger: logger, api: stripe.NewClient(secretKey)}
}

// GetPayment retrieves the payment intent for ref and maps it to the
// engine's payment model. The latest charge is expanded so payer details
// survive even when the intent itself carries none.
func (c *Client) GetPayment(ctx context.Context, ref string) (*recon.GatewayPayment, error) {
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")

	pi, err := c.api.V1PaymentIntents.Retrieve(ctx, ref, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve payment intent %s: %w", ref, err)
	}
	return paymentFromIntent(pi), nil
}

func paymentFromIntent(pi *stripe.PaymentIntent) *recon.GatewayPayment {
	p := &recon.GatewayPayment{
		Ref:          pi.ID,
		Amount:       pi.AmountReceived,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Created:      time.Unix(pi.Created, 0).UTC(),
		ReceiptEmail: pi.ReceiptEmail,
	}
	if pi.Customer != nil {
		p.PayerRef = pi.Customer.ID
		p.PayerEmail = pi.Customer.Email
	}
	if ch := pi.LatestCharge; ch != nil {
		if p.PayerEmail == "" && ch.BillingDetails != nil {
			p.PayerEmail = ch.BillingDetails.Email
		}
		if ch.PaymentMethodDetails != nil {
			p.Method = string(ch.PaymentMethodDetails.Type)
		}
	}
	return p
}

// metaFromStripe extracts linkage metadata the checkout and import flows
// attach to gateway objects.
func metaFromStripe(md map[string]string) recon.EventMeta {
	return recon.EventMeta{
		InvoiceID:     metaInt(md, "invoice_id"),
		ClientID:      metaInt(md, "client_id"),
		OrgID:         metaInt(md, "org_id"),
		InstallmentID: metaInt(md, "installment_id"),
	}
}

func metaInt(md map[string]string, key string) int64 {
	raw, ok := md[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
