// Package api talks to the chat REST endpoints: the streaming chat request
// and the feedback call made after a stream completes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"coinlink/fault"
	"coinlink/logger"
)

const (
	chatPath     = "/api/chat/"
	feedbackPath = "/api/feedback/rate"

	defaultFeedbackAttempts = 3
	maxErrorBody            = 512
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RequestsPerSecond limits outgoing calls. Zero means 2 per second.
	RequestsPerSecond float64
	Burst             int
	// FeedbackAttempts bounds retries of the feedback call.
	FeedbackAttempts int
	UserAgent        string
	Log              *logger.Entry
}

// Client issues chat and feedback requests with a bearer credential.
type Client struct {
	base       string
	http       *http.Client
	limiter    *rate.Limiter
	attempts   int
	userAgent  string
	log        *logger.Entry
	newBackOff func() backoff.BackOff
}

// NewClient applies defaults to opts and returns a client.
func NewClient(opts Options) *Client {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	attempts := opts.FeedbackAttempts
	if attempts <= 0 {
		attempts = defaultFeedbackAttempts
	}
	hc := opts.HTTPClient
	if hc == nil {
		// no overall timeout: streamed bodies stay open for the whole answer
		hc = &http.Client{}
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger().WithComponent("api")
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "coinlink/1.0"
	}
	return &Client{
		base:      strings.TrimSuffix(opts.BaseURL, "/"),
		http:      hc,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		attempts:  attempts,
		userAgent: ua,
		log:       log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// ChatRequest is the body of a streaming chat call.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Stream    bool   `json:"stream"`
}

// ChatStream starts a streaming chat request and returns the open response
// body. The caller must close it.
func (c *Client) ChatStream(ctx context.Context, credential string, req ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := c.do(ctx, credential, chatPath, req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("api.chat", resp)
	}
	return resp.Body, nil
}

// FeedbackRequest rates a completed answer. MessageID is the id carried by
// the stream's terminal record.
type FeedbackRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"conversation_id"`
	Rating    int    `json:"rating"`
	Feedback  string `json:"feedback,omitempty"`
}

func (r FeedbackRequest) Validate() error {
	if r.Rating < 1 || r.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", r.Rating)
	}
	if strings.TrimSpace(r.MessageID) == "" {
		return errors.New("message id is required")
	}
	return nil
}

// SubmitFeedback posts a rating. Network failures and gateway errors are
// retried with exponential backoff; other failures return at once.
func (c *Client) SubmitFeedback(ctx context.Context, credential string, req FeedbackRequest) error {
	if err := req.Validate(); err != nil {
		return fault.Protocol("api.feedback", err)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.submitOnce(ctx, credential, req)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.attempts)),
		backoff.WithNotify(func(err error, sleep time.Duration) {
			c.log.WithError(err).WithFields(logger.Fields{"sleep": sleep.String()}).Warn("feedback failed; retrying")
		}),
	)
	if err != nil {
		var fe *fault.Error
		if !errors.As(err, &fe) {
			// context cancelled while waiting between attempts
			return fault.Transport("api.feedback", err)
		}
		return err
	}
	c.log.WithFields(logger.Fields{"message_id": req.MessageID, "rating": req.Rating}).Info("feedback submitted")
	return nil
}

// submitOnce makes one attempt. Errors that must not be retried are
// wrapped with backoff.Permanent.
func (c *Client) submitOnce(ctx context.Context, credential string, req FeedbackRequest) error {
	resp, err := c.do(ctx, credential, feedbackPath, req, "application/json")
	if err != nil {
		if fault.IsAuth(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return statusError("api.feedback", resp)
	}
	return backoff.Permanent(statusError("api.feedback", resp))
}

func (c *Client) do(ctx context.Context, credential, path string, body any, accept string) (*http.Response, error) {
	op := "api" + strings.ReplaceAll(strings.TrimSuffix(path, "/"), "/", ".")
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Transport(op, errors.Wrap(err, "rate limiter"))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Protocol(op, errors.Wrap(err, "encode request"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Transport(op, errors.Wrap(err, "build request"))
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Transport(op, errors.Wrapf(err, "POST %s", path))
	}
	logger.LogPerformanceEntry(c.log, "api", path, time.Since(start), logger.Fields{
		"status":     resp.StatusCode,
		"request_id": requestID,
	})
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var detail struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &detail) == nil {
		for _, s := range []string{detail.Detail, detail.Message, detail.Error} {
			if s != "" {
				msg = s
				break
			}
		}
	}
	err := errors.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fault.Auth(op, fmt.Errorf("%w: %v", fault.ErrAuthRejected, err))
	}
	return fault.Transport(op, err)
}
