package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
)

const (
	// DefaultMinPostDelay is the minimum spacing between two posts.
	DefaultMinPostDelay = 6 * time.Second
	// DefaultTimeout bounds a single webhook request.
	DefaultTimeout = 10 * time.Second
)

// HTTPClient is the subset of *http.Client used by Webhook.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// State is the delivery loop state.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateWaiting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DeliveryError reports a failed post. StatusCode is zero when the request
// never produced a response.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("slack: webhook returned status %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("slack: webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("slack: post webhook: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Listener provides hooks into the delivery loop for metrics.
type Listener struct {
	// OnPosted is called after a message was accepted with a 2xx response.
	OnPosted func(msg Message)
	// OnRateLimited is called after a 429 response with the parsed hint.
	OnRateLimited func(retryAfter time.Duration)
	// OnError is called for every failed delivery.
	OnError func(err error)
}

// Option configures a Webhook.
type Option func(*Webhook)

// WithHTTPClient sets the client used for posting. It overrides WithTimeout.
func WithHTTPClient(c HTTPClient) Option {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithMinPostDelay sets the minimum wait after each post.
func WithMinPostDelay(d time.Duration) Option {
	return func(w *Webhook) {
		if d >= 0 {
			w.minPostDelay = d
		}
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Webhook) {
		w.logger = l
	}
}

// WithContinueOnError keeps the loop running after a failed delivery instead
// of returning the error from Run.
func WithContinueOnError(enabled bool) Option {
	return func(w *Webhook) {
		w.continueOnError = enabled
	}
}

// WithListener adds a listener.
func WithListener(l Listener) Option {
	return func(w *Webhook) {
		w.listeners = append(w.listeners, l)
	}
}

// Webhook delivers messages to a single incoming-webhook endpoint. Messages
// are queued by any number of producers and posted in order by one Run loop.
type Webhook struct {
	endpoint        string
	client          HTTPClient
	timeout         time.Duration
	minPostDelay    time.Duration
	continueOnError bool
	logger          zerolog.Logger
	listeners       []Listener

	mu      sync.Mutex
	pending *queue.Queue
	wake    chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	state    atomic.Int32
}

// NewWebhook creates a Webhook posting to endpoint.
func NewWebhook(endpoint string, opts ...Option) *Webhook {
	w := &Webhook{
		endpoint:     endpoint,
		timeout:      DefaultTimeout,
		minPostDelay: DefaultMinPostDelay,
		logger:       zerolog.Nop(),
		pending:      queue.New(),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: w.timeout}
	}
	return w
}

// Enqueue appends msg to the delivery queue. It never blocks on delivery.
func (w *Webhook) Enqueue(msg Message) {
	w.mu.Lock()
	w.pending.Add(msg)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued messages.
func (w *Webhook) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.Length()
}

// State returns the current loop state.
func (w *Webhook) State() State {
	return State(w.state.Load())
}

// Stop asks Run to return. A request in flight completes first; messages
// still queued are not sent.
func (w *Webhook) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

// Run posts queued messages until Stop is called or ctx is done. It returns a
// *DeliveryError when a post fails and WithContinueOnError is not set.
func (w *Webhook) Run(ctx context.Context) error {
	defer w.finish()

	for {
		w.setState(StateIdle)
		msg, ok := w.next(ctx)
		if !ok {
			return nil
		}

		w.setState(StateSending)
		wait := w.minPostDelay
		var limited *slackapi.RateLimitedError
		switch err := w.post(ctx, msg); {
		case err == nil:
		case errors.As(err, &limited):
			wait = max(limited.RetryAfter, w.minPostDelay)
		default:
			w.notifyError(err)
			if !w.continueOnError {
				return err
			}
			w.logger.Error().Err(err).Msg("slack delivery failed, continuing with next message")
		}

		w.setState(StateWaiting)
		w.logger.Debug().Dur("wait", wait).Msg("waiting before next post")
		if !w.sleep(ctx, wait) {
			return nil
		}
	}
}

func (w *Webhook) next(ctx context.Context) (Message, bool) {
	for {
		if w.stopping(ctx) {
			return Message{}, false
		}

		w.mu.Lock()
		if w.pending.Length() > 0 {
			msg := w.pending.Remove().(Message)
			w.mu.Unlock()
			return msg, true
		}
		w.mu.Unlock()

		select {
		case <-w.wake:
		case <-w.stop:
			return Message{}, false
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

func (w *Webhook) stopping(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Webhook) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !w.stopping(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// post sends one message. The request is detached from ctx cancellation so an
// in-flight post always runs to completion; the client timeout still applies.
// A 429 yields a *slackapi.RateLimitedError, which is not a delivery failure.
func (w *Webhook) post(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("encode message: %w", err)}
	}
	w.logger.Info().RawJSON("payload", body).Msg("posting message")

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		w.logger.Warn().Dur("retry_after", retryAfter).Msg("slack rate limit hit")
		w.notifyRateLimited(retryAfter)
		return &slackapi.RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.notifyPosted(msg)
		return nil
	default:
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
			Err:        slackapi.StatusCodeError{Code: resp.StatusCode, Status: resp.Status},
		}
	}
}

func (w *Webhook) finish() {
	w.setState(StateStopped)
	if n := w.Pending(); n > 0 {
		w.logger.Warn().Int("abandoned", n).Msg("slack delivery stopped with queued messages")
		return
	}
	w.logger.Info().Msg("slack delivery stopped")
}

func (w *Webhook) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Webhook) notifyPosted(msg Message) {
	for _, l := range w.listeners {
		if l.OnPosted != nil {
			l.OnPosted(msg)
		}
	}
}

func (w *Webhook) notifyRateLimited(d time.Duration) {
	for _, l := range w.listeners {
		if l.OnRateLimited != nil {
			l.OnRateLimited(d)
		}
	}
}

func (w *Webhook) notifyError(err error) {
	for _, l := range w.listeners {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

// MaxRetryAfter caps the pause requested by a Retry-After header.
const MaxRetryAfter = time.Hour

// ParseRetryAfter reads a Retry-After header given in whole seconds. Missing,
// malformed or negative values yield zero; values above MaxRetryAfter are
// clamped to it.
func ParseRetryAfter(value string) time.Duration {
	seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if errors.Is(err, strconv.ErrRange) && seconds > 0 {
		return MaxRetryAfter
	}
	if err != nil || seconds < 0 {
		return 0
	}
	if seconds > int64(MaxRetryAfter/time.Second) {
		return MaxRetryAfter
	}
	return time.Duration(seconds) * time.Second
}
