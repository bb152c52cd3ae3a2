package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gxo-labs/lightning/internal/retry"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

const (
	RequestTimeout   = 30 * time.Second
	RetryCount       = 3
	RetryWaitTime    = 100 * time.Millisecond
	RetryWaitTimeMax = 2 * time.Second
)

// Client implements store.Store against a control plane Server.
type Client struct {
	endpoint string
	http     *resty.Client
	log      llog.Logger
	retry    *retry.Helper
}

var _ lstore.Store = (*Client)(nil)

// NewClient creates a client for endpoint, e.g. "http://localhost:4747".
func NewClient(endpoint string, log llog.Logger) *Client {
	log = log.With("component", "controlplane-client", "endpoint", endpoint)
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     createHttpClient(endpoint, log),
		log:      log,
		retry:    retry.NewHelper(log),
	}
}

func createHttpClient(endpoint string, log llog.Logger) *resty.Client {
	c := resty.New()
	c.SetLogger(log)
	c.SetBaseURL(strings.TrimRight(endpoint, "/"))
	c.SetHeader("User-Agent", "lightning-runner")
	c.SetRetryCount(RetryCount)
	c.SetRetryWaitTime(RetryWaitTime)
	c.SetRetryMaxWaitTime(RetryWaitTimeMax)
	c.AddRetryCondition(createRetry())
	return c
}

// createRetry retries network errors and transient server responses.
func createRetry() func(response *resty.Response, err error) bool {
	return func(response *resty.Response, err error) bool {
		if err != nil && (response == nil || response.StatusCode() == 0) {
			return !strings.Contains(err.Error(), "context canceled")
		}
		switch response.StatusCode() {
		case
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
}

// Endpoint returns the base URL the client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// WaitReady polls /health until the server answers or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	const probeDelay = 50 * time.Millisecond
	attempts := int(timeout/probeDelay) + 1
	return c.retry.Do(ctx, retry.Config{
		Attempts:      attempts,
		Delay:         probeDelay,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 1.5,
		OnError:       true,
		Name:          "controlplane.health",
	}, func(ctx context.Context) error {
		resp, err := c.http.R().SetContext(ctx).Get("/health")
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("health check returned %d", resp.StatusCode())
		}
		return nil
	})
}

func (c *Client) request(ctx context.Context, timeout time.Duration) (*resty.Request, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return c.http.R().SetContext(ctx).SetError(&errorResponse{}), cancel
}

// check converts transport errors and non-2xx responses into errors. 404
// responses wrap store.ErrNotFound.
func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("control plane %s failed: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*errorResponse); ok && e.Error != "" {
		msg = e.Error
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("control plane %s: %s: %w", op, msg, lstore.ErrNotFound)
	}
	return fmt.Errorf("control plane %s returned %d: %s", op, resp.StatusCode(), msg)
}

// EnqueueRollout posts a new rollout to the server.
func (c *Client) EnqueueRollout(ctx context.Context, input, metadata map[string]interface{}) (*lstore.Rollout, error) {
	req, cancel := c.request(ctx, RequestTimeout)
	defer cancel()
	var out lstore.Rollout
	resp, err := req.SetBody(enqueueRequest{Input: input, Metadata: metadata}).SetResult(&out).Post("/v1/rollouts")
	if err := check("enqueue", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// DequeueRollout claims the next queued rollout for workerID. It returns a
// nil rollout when the queue is empty.
func (c *Client) DequeueRollout(ctx context.Context, workerID string) (*lstore.Rollout, error) {
	req, cancel := c.request(ctx, RequestTimeout)
	defer cancel()
	var out lstore.Rollout
	resp, err := req.SetBody(dequeueRequest{WorkerID: workerID}).SetResult(&out).Post("/v1/rollouts/dequeue")
	if err := check("dequeue", resp, err); err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// UpdateAttempt patches one attempt of a rollout.
func (c *Client) UpdateAttempt(ctx context.Context, rolloutID, attemptID string, update lstore.AttemptUpdate) (*lstore.Attempt, error) {
	req, cancel := c.request(ctx, RequestTimeout)
	defer cancel()
	var out lstore.Attempt
	path := fmt.Sprintf("/v1/rollouts/%s/attempts/%s", url.PathEscape(rolloutID), url.PathEscape(attemptID))
	resp, err := req.SetBody(update).SetResult(&out).Patch(path)
	if err := check("update attempt", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateWorker records a heartbeat and stats for workerID.
func (c *Client) UpdateWorker(ctx context.Context, workerID string, stats map[string]interface{}) (*lstore.Worker, error) {
	req, cancel := c.request(ctx, RequestTimeout)
	defer cancel()
	var out lstore.Worker
	resp, err := req.SetBody(workerRequest{Stats: stats}).SetResult(&out).Put("/v1/workers/" + url.PathEscape(workerID))
	if err := check("update worker", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddSpan stores a finished span.
func (c *Client) AddSpan(ctx context.Context, span lstore.Span) (*lstore.Span, error) {
	req, cancel := c.request(ctx, RequestTimeout)
	defer cancel()
	var out lstore.Span
	resp, err := req.SetBody(span).SetResult(&out).Post("/v1/spans")
	if err := check("add span", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuerySpans lists the spans recorded for a rollout.
func (c *Client) QuerySpans(ctx context.Context, rolloutID string) ([]lstore.Span, error) {
	req, cancel := c.request(ctx, RequestTimeout)
	defer cancel()
	var out []lstore.Span
	resp, err := req.SetResult(&out).Get("/v1/rollouts/" + url.PathEscape(rolloutID) + "/spans")
	if err := check("query spans", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryOrWaitForRollouts long-polls the server; the request deadline is
// extended by timeout so the wait itself is not cut short. A negative
// timeout waits for the server's longest poll.
func (c *Client) QueryOrWaitForRollouts(ctx context.Context, rolloutIDs []string, timeout time.Duration) ([]lstore.Rollout, error) {
	if timeout < 0 || timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	req, cancel := c.request(ctx, RequestTimeout+timeout)
	defer cancel()
	var out []lstore.Rollout
	resp, err := req.
		SetBody(waitRequest{RolloutIDs: rolloutIDs, TimeoutSeconds: timeout.Seconds()}).
		SetResult(&out).
		Post("/v1/rollouts/wait")
	if err := check("wait for rollouts", resp, err); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return out, nil
}
