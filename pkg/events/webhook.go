package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avisto/stepline/pkg/api"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the request body,
// present only when the subscription configures a secret.
const SignatureHeader = "X-Stepline-Signature"

// defaultDeliveryTimeout bounds a single outbound webhook request.
const defaultDeliveryTimeout = 10 * time.Second

// WebhookDispatcher delivers events to subscribed endpoints. It implements
// api.Listener. Deliveries are fire-and-forget: each matching subscription
// gets its own goroutine, every failure (network, timeout, non-2xx, panic)
// is caught and logged, and nothing ever reaches the pipeline.
//
// Outstanding deliveries are tracked in an in-flight registry until they
// finish, so none is silently dropped; Wait joins them, which callers should
// do on shutdown.
type WebhookDispatcher struct {
	subs   []api.WebhookSubscription
	client *http.Client
	logger *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	nextTask uint64
	inflight map[uint64]string
}

var _ api.Listener = (*WebhookDispatcher)(nil)

// NewWebhookDispatcher validates every subscription eagerly and returns a
// dispatcher for them. If client is nil, a client with a 10s timeout is
// used; if logger is nil, slog.Default() is used.
func NewWebhookDispatcher(subs []api.WebhookSubscription, client *http.Client, logger *slog.Logger) (*WebhookDispatcher, error) {
	for i, sub := range subs {
		if err := sub.Validate(); err != nil {
			return nil, fmt.Errorf("webhook subscription %d: %w", i, err)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: defaultDeliveryTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		subs:     subs,
		client:   client,
		logger:   logger,
		inflight: make(map[uint64]string),
	}, nil
}

// OnEvent starts one background delivery per matching subscription and
// returns immediately.
func (d *WebhookDispatcher) OnEvent(ctx context.Context, event api.WorkflowEvent) {
	for _, sub := range d.subs {
		if !sub.Matches(event.Type) {
			continue
		}
		name := fmt.Sprintf("webhook %s (%s)", sub.URL, event.Type)
		id := d.track(name)
		d.wg.Add(1)
		go func(sub api.WebhookSubscription) {
			defer d.wg.Done()
			defer d.untrack(id)
			d.deliver(sub, event, name)
		}(sub)
	}
}

func (d *WebhookDispatcher) track(name string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTask++
	d.inflight[d.nextTask] = name
	return d.nextTask
}

func (d *WebhookDispatcher) untrack(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// Inflight reports how many deliveries have been started but not finished.
func (d *WebhookDispatcher) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Wait blocks until every started delivery has finished. Deliveries already
// dispatched are never cancelled; the per-request timeout bounds them.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

// deliver performs one outbound request. The whole body sits inside a single
// error boundary: no failure may escape a background delivery unobserved.
func (d *WebhookDispatcher) deliver(sub api.WebhookSubscription, event api.WorkflowEvent, name string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("webhook delivery panicked",
				slog.String("delivery", name),
				slog.Any("panic", r),
			)
		}
	}()

	// Serialize exactly once. The signature is computed over these bytes and
	// these same bytes go on the wire, so the two can never diverge.
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook payload encoding failed",
			slog.String("delivery", name),
			slog.Any("error", err),
		)
		return
	}

	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("webhook request construction failed",
			slog.String("delivery", name),
			slog.Any("error", err),
		)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("webhook delivery failed",
			slog.String("delivery", name),
			slog.Any("error", err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Error("webhook delivery rejected",
			slog.String("delivery", name),
			slog.Int("status", resp.StatusCode),
		)
		return
	}

	d.logger.Debug("webhook delivered",
		slog.String("delivery", name),
		slog.Int("status", resp.StatusCode),
	)
}

// Sign computes the hex-encoded HMAC-SHA256 of body under secret. Receivers
// verify deliveries by recomputing it over the raw request bytes.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
