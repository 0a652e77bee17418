package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/repository/repotest"
	"github.com/core-coin/pecunia/pkg/logger"
	"github.com/core-coin/pecunia/pkg/validation"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type alerts struct{ n atomic.Int32 }

func (a *alerts) Alert(context.Context, string, string) { a.n.Add(1) }

func newService(t *testing.T, clk *clock, a *alerts) *Service {
	t.Helper()
	opts := Options{Jitter: func() float64 { return 0.99 }}
	if clk != nil {
		opts.Now = clk.Now
	}
	var alertSvc models.AlertService
	if a != nil {
		alertSvc = a
	}
	return NewService(repotest.NewDB(t), opts, alertSvc, logger.NewNop())
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	var gotAttempts []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mu.Lock()
		gotAttempts = append(gotAttempts, r.Header.Get("X-Webhook-Attempt"))
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	a := &alerts{}
	s := newService(t, clk, a)
	ctx := context.Background()

	const maxAttempts = 4
	id, err := s.Enqueue(ctx, Request{URL: srv.URL, Payload: []byte(`{"event":"invoice.paid"}`), Secret: "k", MaxAttempts: maxAttempts, Timeout: time.Second})
	require.NoError(t, err)

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		n, err := s.RunOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		d, err := s.Get(ctx, id)
		require.NoError(t, err)
		if d.Status != models.DeliveryPending {
			break
		}
		delays = append(delays, d.NextRetryAt.Sub(clk.Now()))
		clk.Set(d.NextRetryAt)
	}

	require.EqualValues(t, maxAttempts, hits.Load())
	require.Equal(t, []string{"1", "2", "3", "4"}, gotAttempts)
	require.Len(t, delays, maxAttempts-1)
	for i := 1; i < len(delays); i++ {
		require.Greater(t, delays[i], delays[i-1])
	}

	d, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryFailed, d.Status)
	require.Equal(t, maxAttempts, d.Attempts)
	require.Equal(t, http.StatusInternalServerError, d.LastStatusCode)
	require.EqualValues(t, 1, a.n.Load())

	// Nothing more is attempted once dead-lettered.
	clk.Set(clk.Now().Add(time.Hour))
	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	failed, err := s.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, id, failed[0].ID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, &Stats{Failed: 1}, stats)

	attempts, err := s.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, maxAttempts)
	for i, at := range attempts {
		require.Equal(t, i+1, at.Attempt)
		require.Equal(t, http.StatusInternalServerError, at.StatusCode)
		require.NotContains(t, at.RequestHeaders, `"k"`)
	}

	// Manual retry resets the budget.
	require.NoError(t, s.Retry(ctx, id))
	d, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryPending, d.Status)
	require.Zero(t, d.Attempts)
	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, maxAttempts+1, hits.Load())
}

func TestDeliverySignsPayloadAndRecordsResponse(t *testing.T) {
	payload := []byte(`{"event":"invoice.paid","invoiceId":"x"}`)
	var sig, event string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Signature")
		event = r.Header.Get("X-Webhook-Event")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Merchant", "ok")
		_, _ = w.Write([]byte(strings.Repeat("a", 10000)))
	}))
	defer srv.Close()

	s := newService(t, nil, nil)
	ctx := context.Background()
	id, err := s.Enqueue(ctx, Request{URL: srv.URL, Payload: payload, Secret: "whsec", Event: models.EventInvoicePaid})
	require.NoError(t, err)

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, payload, body)
	require.Equal(t, models.EventInvoicePaid, event)
	require.True(t, validation.ValidSignature("whsec", payload, sig))

	d, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.DeliverySent, d.Status)
	require.Equal(t, 1, d.Attempts)
	require.NotNil(t, d.SentAt)

	attempts, err := s.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Len(t, attempts[0].ResponseBody, maxResponseBody)
	require.Contains(t, attempts[0].ResponseHeaders, "X-Merchant")
	require.Contains(t, attempts[0].RequestHeaders, "X-Signature")

	require.ErrorIs(t, s.Retry(ctx, id), ErrNotRetryable)
}

func TestDeliverySkipsJobReclaimedWhileThrottled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, clk, nil)
	ctx := context.Background()
	id, err := s.Enqueue(ctx, Request{URL: srv.URL, Payload: []byte(`{}`), Timeout: time.Second})
	require.NoError(t, err)

	claimed, err := s.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, claimed)

	// The first lease runs out and a second poller claims the job.
	clk.Set(clk.Now().Add(time.Minute))
	var first models.WebhookDelivery
	require.NoError(t, s.db.First(&first, "id = ?", id).Error)
	reclaimed, err := s.claimDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, reclaimed)

	owned, err := s.renewLease(ctx, &first)
	require.NoError(t, err)
	require.False(t, owned)
	require.Zero(t, hits.Load())

	// The current holder delivers exactly once.
	require.NoError(t, s.Deliver(ctx, id))
	require.EqualValues(t, 1, hits.Load())
	d, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.DeliverySent, d.Status)
	require.Equal(t, 1, d.Attempts)
}

func TestDeliveryRenewsExpiredLeaseStillHeld(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, clk, nil)
	ctx := context.Background()
	id, err := s.Enqueue(ctx, Request{URL: srv.URL, Payload: []byte(`{}`), Timeout: time.Second})
	require.NoError(t, err)
	_, err = s.claimDue(ctx, 10)
	require.NoError(t, err)

	clk.Set(clk.Now().Add(time.Minute))
	require.NoError(t, s.Deliver(ctx, id))
	require.EqualValues(t, 1, hits.Load())
	d, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.DeliverySent, d.Status)
}

func TestTimeoutCountsAsFailedAttempt(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := newService(t, nil, nil)
	ctx := context.Background()
	id, err := s.Enqueue(ctx, Request{URL: srv.URL, Payload: []byte(`{}`), MaxAttempts: 3, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
	d, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryPending, d.Status)
	require.Equal(t, 1, d.Attempts)
	require.NotEmpty(t, d.LastError)
	require.Nil(t, d.LeaseUntil)
}

func TestEnqueueValidation(t *testing.T) {
	s := newService(t, nil, nil)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, Request{URL: "ftp://merchant", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = s.Enqueue(ctx, Request{URL: "https://merchant.example/hook"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	id, err := s.Enqueue(ctx, Request{URL: "https://merchant.example/hook", Payload: []byte(`{}`)})
	require.NoError(t, err)
	d, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxAttempts, d.MaxAttempts)
	require.Equal(t, DefaultTimeout, d.Timeout)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestWorkersDeliverAndStopDrains(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := newService(t, nil, nil)
	s.opts.PollInterval = 20 * time.Millisecond
	s.opts.HostRate = 1000
	ctx := context.Background()
	s.Start(ctx)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := s.Enqueue(ctx, Request{URL: srv.URL, Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		stats, err := s.Stats(ctx)
		return err == nil && stats.Sent == n
	}, 5*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Stop()
	require.EqualValues(t, n, hits.Load())
}

func TestBackoffTable(t *testing.T) {
	noJitter := func() float64 { return 0 }
	fullJitter := func() float64 { return 0.999999 }
	require.Equal(t, time.Second, backoff(nil, 1, noJitter))
	require.Equal(t, 5*time.Second, backoff(nil, 2, noJitter))
	require.Equal(t, 15*time.Second, backoff(nil, 3, noJitter))
	require.Equal(t, time.Minute, backoff(nil, 4, noJitter))
	require.Equal(t, 5*time.Minute, backoff(nil, 5, noJitter))
	require.Equal(t, 5*time.Minute, backoff(nil, 50, noJitter))
	require.Less(t, backoff(nil, 1, fullJitter), 1100*time.Millisecond)
	require.GreaterOrEqual(t, backoff(nil, 1, fullJitter), time.Second)
	for a := 1; a < len(DefaultBackoff); a++ {
		require.Less(t, backoff(nil, a, fullJitter), backoff(nil, a+1, noJitter))
	}
}
