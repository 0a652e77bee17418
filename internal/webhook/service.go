package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/metrics"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
	"github.com/core-coin/pecunia/pkg/validation"
)

const (
	maxResponseBody = 4 << 10
	// leaseMargin is added to a job's timeout to form its lease.
	leaseMargin = 30 * time.Second
)

type Options struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Backoff      []time.Duration
	// HostRate limits requests per second to a single merchant host. Zero
	// disables limiting.
	HostRate  rate.Limit
	HostBurst int
	Client    *http.Client
	Now       func() time.Time
	Jitter    func() float64
}

// Service runs the delivery loop. Jobs live in the database; workers claim
// them with a lease so several instances can share the queue.
type Service struct {
	db     *gorm.DB
	opts   Options
	alerts models.AlertService
	logger *logger.Logger

	wake chan struct{}

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(db *gorm.DB, opts Options, alerts models.AlertService, logger *logger.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.HostBurst <= 0 {
		opts.HostBurst = 1
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	return &Service{
		db:       db,
		opts:     opts,
		alerts:   alerts,
		logger:   logger.Named("webhook"),
		wake:     make(chan struct{}, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enqueue stores a delivery job and wakes the poller.
func (s *Service) Enqueue(ctx context.Context, req Request) (uuid.UUID, error) {
	id, err := EnqueueTx(s.db.WithContext(ctx), req, s.opts.Now())
	if err != nil {
		return uuid.Nil, err
	}
	s.Notify()
	return id, nil
}

// Notify makes the poller look for due jobs without waiting for the next tick.
func (s *Service) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the poller and the worker pool.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	jobs := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				// In-flight attempts finish after Stop; each is bounded by its timeout.
				if err := s.Deliver(context.WithoutCancel(ctx), id); err != nil {
					s.logger.Error("failed to deliver webhook", "delivery", id, "error", err)
				}
			}
		}()
	}
	go func() {
		defer close(s.done)
		s.poll(ctx, jobs)
		close(jobs)
		wg.Wait()
	}()
	s.logger.Info("Webhook delivery started", "workers", s.opts.Workers)
}

// Stop stops claiming jobs and waits for in-flight attempts to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Webhook delivery stopped")
}

func (s *Service) poll(ctx context.Context, jobs chan<- uuid.UUID) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		ids, err := s.claimDue(ctx, s.opts.BatchSize)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("failed to claim webhooks", "error", err)
		}
		for i, id := range ids {
			select {
			case jobs <- id:
			case <-ctx.Done():
				s.release(ids[i:])
				return
			}
		}
		s.updateQueueDepth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// RunOnce claims the jobs due now and delivers them one by one. It returns
// how many were attempted.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.claimDue(ctx, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Deliver(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// claimDue leases due PENDING jobs. A lease expires after the job's timeout
// plus a margin, so a crashed worker never strands a job.
func (s *Service) claimDue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	now := s.opts.Now()
	var candidates []models.WebhookDelivery
	err := s.db.WithContext(ctx).
		Select("id", "timeout").
		Where("status = ? AND next_retry_at <= ?", models.DeliveryPending, now).
		Where("lease_until IS NULL OR lease_until < ?", now).
		Order("next_retry_at").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due webhooks: %w", err)
	}
	claimed := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		res := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
			Where("id = ? AND status = ?", c.ID, models.DeliveryPending).
			Where("lease_until IS NULL OR lease_until < ?", now).
			Updates(map[string]interface{}{
				"lease_until": now.Add(c.Timeout + leaseMargin),
				"lease_owner": uuid.NewString(),
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to lease webhook: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			claimed = append(claimed, c.ID)
		}
	}
	return claimed, nil
}

func (s *Service) release(ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	if err := s.db.Model(&models.WebhookDelivery{}).Where("id IN ?", ids).
		Update("lease_until", nil).Error; err != nil {
		s.logger.Error("failed to release webhook leases", "error", err)
	}
}

// renewLease extends the lease of d if its claim still holds it.
func (s *Service) renewLease(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("id = ? AND status = ? AND lease_owner = ?", d.ID, models.DeliveryPending, d.LeaseOwner).
		Update("lease_until", s.opts.Now().Add(d.Timeout+leaseMargin))
	if res.Error != nil {
		return false, fmt.Errorf("failed to renew webhook lease: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Deliver makes one attempt of a leased job and records the outcome.
func (s *Service) Deliver(ctx context.Context, id uuid.UUID) error {
	var d models.WebhookDelivery
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}
	if d.Status != models.DeliveryPending {
		return nil
	}
	attempt := d.Attempts + 1

	if err := s.limiter(d.URL).Wait(ctx); err != nil {
		s.release([]uuid.UUID{id})
		return fmt.Errorf("rate limiter: %w", err)
	}
	// The throttle wait may outlast the lease; renew it, or give the job up
	// if another claim took it meanwhile.
	owned, err := s.renewLease(ctx, &d)
	if err != nil {
		return err
	}
	if !owned {
		s.logger.Warn("Webhook lease lost while throttled", "delivery", id, "url", d.URL)
		return nil
	}

	record, sendErr := s.send(ctx, &d, attempt)
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.logger.Error("failed to record webhook attempt", "delivery", id, "error", err)
	}

	now := s.opts.Now()
	updates := map[string]interface{}{
		"attempts":         attempt,
		"lease_until":      nil,
		"last_status_code": record.StatusCode,
		"last_error":       record.Error,
	}
	outcome := "sent"
	switch {
	case sendErr == nil:
		updates["status"] = models.DeliverySent
		updates["sent_at"] = now
	case attempt >= d.MaxAttempts:
		updates["status"] = models.DeliveryFailed
		updates["failed_at"] = now
		outcome = "failed"
	default:
		updates["next_retry_at"] = now.Add(backoff(s.opts.Backoff, attempt, s.opts.Jitter))
		outcome = "retry"
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, models.DeliveryPending, d.LeaseOwner).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()

	switch outcome {
	case "sent":
		s.logger.Debug("Webhook delivered", "delivery", id, "event", d.Event, "attempt", attempt)
	case "retry":
		s.logger.Warn("Webhook attempt failed", "delivery", id, "attempt", attempt, "max_attempts", d.MaxAttempts, "error", sendErr)
	case "failed":
		s.logger.Error("Webhook dead-lettered", "delivery", id, "url", d.URL, "attempts", attempt, "error", sendErr)
		if s.alerts != nil {
			s.alerts.Alert(ctx, "Webhook delivery failed",
				fmt.Sprintf("Delivery %s (%s) to %s failed after %d attempts: %v", id, d.Event, d.URL, attempt, sendErr))
		}
	}
	return nil
}

// send performs the HTTP request. The returned record is always non-nil.
func (s *Service) send(ctx context.Context, d *models.WebhookDelivery, attempt int) (*models.WebhookAttempt, error) {
	record := &models.WebhookAttempt{DeliveryID: d.ID, Attempt: attempt, CreatedAt: s.opts.Now()}
	fail := func(err error) (*models.WebhookAttempt, error) {
		record.Error = truncate(err.Error(), 1024)
		return record, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pecunia-webhooks/1")
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))
	req.Header.Set("X-Webhook-Event", d.Event)
	req.Header.Set("X-Webhook-Delivery", d.ID.String())
	if d.Secret != "" {
		req.Header.Set("X-Signature", validation.SignPayload(d.Secret, d.Payload))
	}
	record.RequestHeaders = encodeHeaders(req.Header)

	start := time.Now()
	resp, err := s.opts.Client.Do(req)
	record.Duration = time.Since(start)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	record.StatusCode = resp.StatusCode
	record.ResponseHeaders = encodeHeaders(resp.Header)
	record.ResponseBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(fmt.Errorf("unexpected status %s", resp.Status))
	}
	return record, nil
}

func (s *Service) limiter(rawURL string) *rate.Limiter {
	if s.opts.HostRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(s.opts.HostRate, s.opts.HostBurst)
		s.limiters[host] = l
	}
	return l
}

// Retry puts a dead-lettered job back in the queue with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("id = ? AND status = ?", id, models.DeliveryFailed).
		Updates(map[string]interface{}{
			"status":        models.DeliveryPending,
			"attempts":      0,
			"next_retry_at": s.opts.Now(),
			"lease_until":   nil,
			"failed_at":     nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to retry delivery: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRetryable
	}
	s.logger.Info("Webhook queued for manual retry", "delivery", id)
	s.Notify()
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &d, nil
}

// Attempts lists the recorded attempts of a delivery, oldest first.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID) ([]models.WebhookAttempt, error) {
	var attempts []models.WebhookAttempt
	if err := s.db.WithContext(ctx).Where("delivery_id = ?", id).Order("attempt").Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// Failed lists dead-lettered jobs, newest first.
func (s *Service) Failed(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.WebhookDelivery
	if err := s.db.WithContext(ctx).Where("status = ?", models.DeliveryFailed).
		Order("failed_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed deliveries: %w", err)
	}
	return out, nil
}

type Stats struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status models.DeliveryStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	stats := &Stats{}
	for _, r := range rows {
		switch r.Status {
		case models.DeliveryPending:
			stats.Pending = r.Count
		case models.DeliverySent:
			stats.Sent = r.Count
		case models.DeliveryFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}

// QueueDepth is the number of PENDING jobs.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("status = ?", models.DeliveryPending).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count pending deliveries: %w", err)
	}
	return n, nil
}

func (s *Service) updateQueueDepth(ctx context.Context) {
	if n, err := s.QueueDepth(ctx); err == nil {
		metrics.WebhookQueueDepth.Set(float64(n))
	}
}

func encodeHeaders(h http.Header) string {
	b, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
