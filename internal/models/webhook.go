package models

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// Merchant-facing event names.
const (
	EventPaymentDetected  = "payment.detected"
	EventPaymentConfirmed = "payment.confirmed"
	EventInvoicePaid      = "invoice.paid"
	EventInvoiceUnderpaid = "invoice.underpaid"
	EventInvoiceOverpaid  = "invoice.overpaid"
	EventInvoiceExpired   = "invoice.expired"
	EventInvoiceCancelled = "invoice.cancelled"
)

// WebhookPayload is the JSON body POSTed to merchants. It is a snapshot, not
// an ordered log entry.
type WebhookPayload struct {
	Event      string `json:"event"`
	InvoiceID  string `json:"invoiceId"`
	OrderID    string `json:"orderId,omitempty"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	TxHash     string `json:"txHash,omitempty"`
	Confirmed  bool   `json:"confirmed"`
	Status     string `json:"status,omitempty"`
	AmountPaid string `json:"amountPaid,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// WebhookDelivery is one outbound notification job.
type WebhookDelivery struct {
	// ID is the unique identifier of the job.
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// MerchantID is the receiving merchant, if any.
	MerchantID *uuid.UUID `json:"merchant_id,omitempty" gorm:"type:uuid;index"`
	// InvoiceID is the invoice the event refers to, if any.
	InvoiceID *uuid.UUID `json:"invoice_id,omitempty" gorm:"type:uuid;index"`
	// Event is the event name carried by the payload.
	Event string `json:"event" gorm:"column:event;size:64"`
	// URL is the target endpoint.
	URL string `json:"url" gorm:"column:url;size:512;not null"`
	// Payload is the exact body that is signed and sent.
	Payload []byte `json:"payload" gorm:"column:payload"`
	// Secret keys the signature. Never serialized or logged.
	Secret string `json:"-" gorm:"column:secret;size:256"`
	// Attempts is the number of attempts made so far.
	Attempts int `json:"attempts" gorm:"column:attempts;not null;default:0"`
	// MaxAttempts is the attempt budget before dead-lettering.
	MaxAttempts int `json:"max_attempts" gorm:"column:max_attempts;not null"`
	// Timeout bounds a single attempt.
	Timeout time.Duration `json:"timeout" gorm:"column:timeout"`
	// NextRetryAt is when the job becomes due.
	NextRetryAt time.Time `json:"next_retry_at" gorm:"index"`
	// LeaseUntil is set while a worker owns the job.
	LeaseUntil *time.Time `json:"-" gorm:"index"`
	// LeaseOwner identifies the claim holding the lease.
	LeaseOwner string `json:"-" gorm:"column:lease_owner;size:36"`
	// Status is PENDING, SENT or FAILED.
	Status DeliveryStatus `json:"status" gorm:"column:status;size:16;index;not null"`
	// LastStatusCode is the HTTP status of the latest attempt.
	LastStatusCode int `json:"last_status_code" gorm:"column:last_status_code"`
	// LastError is the error of the latest failed attempt.
	LastError string `json:"last_error,omitempty" gorm:"column:last_error;size:1024"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// WebhookAttempt records one HTTP attempt of a delivery.
type WebhookAttempt struct {
	ID              int64         `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	DeliveryID      uuid.UUID     `json:"delivery_id" gorm:"type:uuid;index;not null"`
	Attempt         int           `json:"attempt" gorm:"column:attempt"`
	RequestHeaders  string        `json:"request_headers" gorm:"column:request_headers;type:text"`
	StatusCode      int           `json:"status_code" gorm:"column:status_code"`
	ResponseHeaders string        `json:"response_headers" gorm:"column:response_headers;type:text"`
	ResponseBody    string        `json:"response_body" gorm:"column:response_body;type:text"`
	Error           string        `json:"error,omitempty" gorm:"column:error;size:1024"`
	Duration        time.Duration `json:"duration" gorm:"column:duration"`
	CreatedAt       time.Time     `json:"created_at"`
}
