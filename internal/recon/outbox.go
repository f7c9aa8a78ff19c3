package recon

import (
	"context"
	"log/slog"
)

// PaymentNotice carries the facts a post-reconciliation side effect needs.
type PaymentNotice struct {
	OrgID         int64
	InvoiceID     int64
	InvoiceNumber string
	ClientID      int64
	PaymentID     int64
	Amount        int64
	Currency      string
	Ref           string
	Status        string
	RecordedBy    string
}

// Notifier enqueues business notifications and client receipts.
type Notifier interface {
	PaymentRecorded(ctx context.Context, notice PaymentNotice) error
	ReceiptRequested(ctx context.Context, notice PaymentNotice) error
}

// ActivityRecorder appends an activity-log entry.
type ActivityRecorder interface {
	PaymentActivity(ctx context.Context, notice PaymentNotice) error
}

// RealtimeEmitter publishes a payment-received event for live subscribers.
type RealtimeEmitter interface {
	PaymentReceived(ctx context.Context, notice PaymentNotice) error
}

// Effect is one post-commit side effect.
type Effect struct {
	Name string
	Run  func(ctx context.Context) error
}

// Outbox dispatches post-commit effects. Each effect is fault-isolated: a
// failure is logged and never undoes or fails the reconciliation that
// produced it.
type Outbox struct {
	logger   *slog.Logger
	activity ActivityRecorder
	notifier Notifier
	realtime RealtimeEmitter
}

// NewOutbox constructs the effect dispatcher. Any collaborator may be nil.
func NewOutbox(logger *slog.Logger, activity ActivityRecorder, notifier Notifier, realtime RealtimeEmitter) *Outbox {
	return &Outbox{logger: logger, activity: activity, notifier: notifier, realtime: realtime}
}

// PaymentEffects builds the standard effect list for a recorded payment.
func (o *Outbox) PaymentEffects(notice PaymentNotice) []Effect {
	var effects []Effect
	if o.activity != nil {
		effects = append(effects, Effect{Name: "activity", Run: func(ctx context.Context) error {
			return o.activity.PaymentActivity(ctx, notice)
		}})
	}
	if o.notifier != nil {
		effects = append(effects, Effect{Name: "notify", Run: func(ctx context.Context) error {
			return o.notifier.PaymentRecorded(ctx, notice)
		}})
		effects = append(effects, Effect{Name: "receipt", Run: func(ctx context.Context) error {
			return o.notifier.ReceiptRequested(ctx, notice)
		}})
	}
	if o.realtime != nil {
		effects = append(effects, Effect{Name: "realtime", Run: func(ctx context.Context) error {
			return o.realtime.PaymentReceived(ctx, notice)
		}})
	}
	return effects
}

// Dispatch runs effects in order, isolating failures.
func (o *Outbox) Dispatch(ctx context.Context, effects []Effect) {
	if o == nil {
		return
	}
	for _, eff := range effects {
		if eff.Run == nil {
			continue
		}
		if err := eff.Run(ctx); err != nil && o.logger != nil {
			o.logger.Warn("post-commit effect failed",
				slog.String("effect", eff.Name), slog.Any("error", err))
		}
	}
}
