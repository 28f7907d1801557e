package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
	"github.com/capitalize-ai/thrift-inbox/pkg/metrics"
)

// DefaultTimeout bounds one send, including reading the response.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a platform response is read.
const maxResponseBytes = 64 << 10

// Sender is implemented by Client and by test doubles.
type Sender interface {
	Send(ctx context.Context, recipientID, text string) Outcome
}

// Options configures a Client.
type Options struct {
	Endpoint    string
	AccessToken string
	BusinessID  string
	Timeout     time.Duration
	// HTTPClient overrides the pooled client built by NewClient.
	HTTPClient *http.Client
}

// Client posts text messages to the platform's send endpoint. One Client
// is shared by every worker goroutine so connections are pooled.
type Client struct {
	http        *http.Client
	endpoint    string
	accessToken string
	businessID  string
	logger      *logger.Logger
}

// NewClient creates a delivery client.
func NewClient(opts Options, log *logger.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = 64
		transport.MaxIdleConnsPerHost = 32
		transport.IdleConnTimeout = 90 * time.Second
		httpClient = &http.Client{Transport: transport, Timeout: timeout}
	}

	return &Client{
		http:        httpClient,
		endpoint:    opts.Endpoint,
		accessToken: opts.AccessToken,
		businessID:  opts.BusinessID,
		logger:      log.WithComponent("delivery"),
	}
}

type sendRequest struct {
	BusinessID  string      `json:"business_id"`
	RecipientID string      `json:"recipient_id"`
	MessageType string      `json:"message_type"`
	Content     sendContent `json:"content"`
}

type sendContent struct {
	Text string `json:"text"`
}

type sendResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Send delivers text to recipientID. It never returns a bare error: every
// failure is folded into the Outcome.
func (c *Client) Send(ctx context.Context, recipientID, text string) Outcome {
	outcome := c.send(ctx, recipientID, text)
	metrics.DeliveriesTotal.WithLabelValues(outcome.Kind.String()).Inc()

	fields := []zap.Field{
		zap.String("recipient_id", recipientID),
		zap.String("outcome", outcome.Kind.String()),
		zap.Int("status", outcome.Status),
		zap.Int("code", outcome.Code),
	}
	switch {
	case outcome.Delivered():
		c.logger.Info("Message delivered", fields...)
	case outcome.Kind == TerminalAuth:
		c.logger.Error("Platform rejected credentials", append(fields, zap.Error(outcome.Err))...)
	case outcome.Retryable():
		c.logger.Warn("Temporary delivery failure", append(fields, zap.Error(outcome.Err))...)
	default:
		c.logger.Error("Delivery rejected", append(fields, zap.Error(outcome.Err))...)
	}
	return outcome
}

func (c *Client) send(ctx context.Context, recipientID, text string) Outcome {
	body, err := json.Marshal(sendRequest{
		BusinessID:  c.businessID,
		RecipientID: recipientID,
		MessageType: "text",
		Content:     sendContent{Text: text},
	})
	if err != nil {
		return newOutcome(TerminalRejected, 0, 0, "", fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return newOutcome(TerminalRejected, 0, 0, "", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Access-Token", c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and timeouts.
		return newOutcome(ServerError, 0, 0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil && resp.StatusCode < 300 {
		return newOutcome(ServerError, resp.StatusCode, 0, "", fmt.Errorf("read response: %w", err))
	}

	var parsed sendResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed.Message = string(raw)
			if resp.StatusCode < 300 {
				// A 2xx we cannot read is treated as accepted; the platform
				// does not always send a body.
				parsed = sendResponse{}
			}
		}
	}

	kind := Classify(resp.StatusCode, parsed.Code, parsed.Message)
	outcome := newOutcome(kind, resp.StatusCode, parsed.Code, parsed.Message, nil)
	if kind == RateLimited {
		outcome.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return outcome
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Seconds()) + 1
		}
	}
	return 0
}
