package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNotifyPayment is the task type for the internal payment notification.
	TaskNotifyPayment = "notify:payment"
	// TaskNotifyReceipt is the task type for the client receipt email.
	TaskNotifyReceipt = "notify:receipt"
	// TaskOverdueSweep is the task type for the scheduled overdue sweep.
	TaskOverdueSweep = "invoices:overdue_sweep"
)

// NotifyPayload describes a recorded payment for the notification tasks.
type NotifyPayload struct {
	OrgID         int64  `json:"org_id"`
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	ClientID      int64  `json:"client_id"`
	PaymentID     int64  `json:"payment_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	ExternalRef   string `json:"external_ref"`
	InvoiceStatus string `json:"invoice_status"`
	RecordedBy    string `json:"recorded_by"`
}

// NewNotifyPaymentTask constructs the internal notification task.
func NewNotifyPaymentTask(payload NotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyPayment, data), nil
}

// NewNotifyReceiptTask constructs the client receipt task.
func NewNotifyReceiptTask(payload NotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyReceipt, data), nil
}

// NewOverdueSweepTask constructs the scheduled sweep task.
func NewOverdueSweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskOverdueSweep, nil), nil
}
