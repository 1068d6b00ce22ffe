package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Webhook request headers.
const (
	HeaderEventID   = "X-Event-Id"
	HeaderEventType = "X-Event-Type"
	HeaderTenantID  = "X-Tenant-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

const (
	DefaultWebhookTimeout = 3000 * time.Millisecond
	maxErrorBody          = 512
)

var errHTTPStatus = errors.New("unexpected http status")

// BreakerSettings configures the per-host circuit breakers.
type BreakerSettings struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     30 * time.Second,
		OpenTimeout:  30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

type WebhookOption func(*Webhook)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

func WithWebhookClock(clock clockwork.Clock) WebhookOption {
	return func(w *Webhook) {
		if clock != nil {
			w.clock = clock
		}
	}
}

func WithBreakerSettings(s BreakerSettings) WebhookOption {
	return func(w *Webhook) { w.breaker = s }
}

func WithDefaultTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.defaultTimeout = d
		}
	}
}

// Webhook POSTs events to subscriber URLs.
type Webhook struct {
	client         *http.Client
	clock          clockwork.Clock
	defaultTimeout time.Duration
	breaker        BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhook(opts ...WebhookOption) *Webhook {
	w := &Webhook{
		client:         &http.Client{},
		clock:          clockwork.NewRealClock(),
		defaultTimeout: DefaultWebhookTimeout,
		breaker:        DefaultBreakerSettings(),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Type() models.ChannelType { return models.ChannelWebhook }

type webhookBody struct {
	EventID   string            `json:"eventId"`
	EventType string            `json:"eventType"`
	TenantID  int64             `json:"tenantId"`
	Payload   any               `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (w *Webhook) Send(ctx context.Context, msg Message, sub *models.Subscription) Result {
	if sub == nil || strings.TrimSpace(sub.TargetURL) == "" {
		return Permanent("missing_target_url", errors.New("subscription has no target url"), 0, 0)
	}
	target, err := url.Parse(sub.TargetURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return Permanent("invalid_target_url", fmt.Errorf("invalid target url %q", sub.TargetURL), 0, 0)
	}

	var payload any = msg.Payload
	if json.Valid([]byte(msg.Payload)) {
		payload = jsoniter.RawMessage(msg.Payload)
	}
	body, err := json.Marshal(webhookBody{
		EventID:   msg.EventID,
		EventType: msg.EventType,
		TenantID:  msg.TenantID,
		Payload:   payload,
		Metadata:  msg.Headers,
	})
	if err != nil {
		return Permanent("encode_failed", err, 0, 0)
	}

	timestamp := strconv.FormatInt(w.clock.Now().UnixMilli(), 10)
	ctx, cancel := context.WithTimeout(ctx, sub.Timeout(w.defaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return Permanent("invalid_request", err, 0, 0)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if traceID := msg.Headers[eventcodec.HeaderTraceID]; traceID != "" {
		req.Header.Set(eventcodec.HeaderTraceID, traceID)
	}
	req.Header.Set(HeaderEventID, msg.EventID)
	req.Header.Set(HeaderEventType, msg.EventType)
	req.Header.Set(HeaderTenantID, strconv.FormatInt(msg.TenantID, 10))
	req.Header.Set(HeaderTimestamp, timestamp)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, timestamp, body))
	}

	start := w.clock.Now()
	status, err := w.do(w.breakerFor(target.Host), req)
	d := w.clock.Since(start)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Transient("circuit_open", fmt.Errorf("%s: %w", target.Host, err), 0, d)
	case err != nil && status == 0:
		return Transient("transport_error", err, 0, d)
	case status >= 200 && status < 300:
		return Success(status, d)
	default:
		return Transient("http_status", err, status, d)
	}
}

// do executes req through cb. Transport errors and 5xx count against the
// breaker; other non-2xx statuses are returned as an error without tripping it.
func (w *Webhook) do(cb *gobreaker.CircuitBreaker, req *http.Request) (int, error) {
	var status int
	var statusErr error
	_, err := cb.Execute(func() (any, error) {
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if status >= 200 && status < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr = fmt.Errorf("%w: HTTP %d: %s", errHTTPStatus, status, strings.TrimSpace(string(snippet)))
		if status >= 500 {
			return nil, statusErr
		}
		return nil, nil
	})
	if err != nil {
		return status, err
	}
	return status, statusErr
}

func (w *Webhook) breakerFor(host string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[host]; ok {
		return cb
	}

	s := w.breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	w.breakers[host] = cb
	return cb
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" keyed by secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
