// Package webhook delivers ledger events to merchant endpoints with retries
// and dead-lettering.
package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/models"
)

const (
	DefaultMaxAttempts = 5
	DefaultTimeout     = 15 * time.Second
)

var (
	ErrInvalidRequest   = errors.New("invalid webhook request")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrNotRetryable     = errors.New("only failed deliveries can be retried")
)

// Request describes one delivery job.
type Request struct {
	URL         string
	Payload     []byte
	Secret      string
	MaxAttempts int
	Timeout     time.Duration

	MerchantID *uuid.UUID
	InvoiceID  *uuid.UUID
	Event      string
}

func (r *Request) validate() error {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: bad url %q", ErrInvalidRequest, r.URL)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidRequest)
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	return nil
}

// EnqueueTx stores a PENDING delivery using tx, so callers can make the job
// part of their own transaction. The job is due immediately.
func EnqueueTx(tx *gorm.DB, req Request, now time.Time) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	delivery := &models.WebhookDelivery{
		ID:          uuid.New(),
		MerchantID:  req.MerchantID,
		InvoiceID:   req.InvoiceID,
		Event:       req.Event,
		URL:         req.URL,
		Payload:     req.Payload,
		Secret:      req.Secret,
		MaxAttempts: req.MaxAttempts,
		Timeout:     req.Timeout,
		NextRetryAt: now,
		Status:      models.DeliveryPending,
	}
	if err := tx.Create(delivery).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	return delivery.ID, nil
}
