// Package upstream talks to the WhatsApp Cloud API. The client does one
// thing: POST a rendered body and classify the response into an outcome the
// dispatcher can act on without inspecting HTTP details.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ResultKind classifies a send attempt.
type ResultKind int

const (
	// Accepted - the provider took the message and assigned an id.
	Accepted ResultKind = iota
	// TransientFailure - worth retrying with backoff: 5xx, network errors,
	// timeouts, or a 2xx whose body we could not parse.
	TransientFailure
	// PermanentFailure - retrying cannot help: validation errors, policy
	// violations, auth failures.
	PermanentFailure
	// RateLimited - provider asked us to slow down (429).
	RateLimited
)

func (k ResultKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Result is the classified outcome of one send attempt.
type Result struct {
	Kind ResultKind

	// UpstreamMessageID is set only when Kind == Accepted.
	UpstreamMessageID string

	// RetryAfter is set when Kind == RateLimited and the provider advertised
	// a pause. Zero means "use your own backoff".
	RetryAfter time.Duration

	// Code is the provider's numeric error code, 0 when none was returned.
	Code int

	// AuthFailure marks 401/403 responses so the dispatcher can emit a
	// token-refresh signal instead of an ordinary permanent failure.
	AuthFailure bool

	Reason string
}

// Sender is the interface the dispatcher depends on; tests substitute it.
type Sender interface {
	Send(ctx context.Context, path string, body []byte, idempotencyKey, token string) Result
}

// retryableCodes are provider error codes that indicate a temporary
// condition despite arriving with a 4xx status: unknown error, service
// temporarily unavailable, too many API calls, spam-rate and pair-rate
// limits, and the per-number throughput limit.
var retryableCodes = map[int]bool{
	1:      true,
	2:      true,
	4:      true,
	17:     true,
	341:    true,
	368:    true,
	130429: true,
}

// Options configures the Client.
type Options struct {
	BaseURL        string // e.g. https://graph.facebook.com
	APIVersion     string // e.g. v21.0
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
}

// Client is the production Sender.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

// NewClient builds a Client with split connect/total timeouts.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: 32,
	}
	return &Client{
		base: fmt.Sprintf("%s/%s", opts.BaseURL, opts.APIVersion),
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.TotalTimeout,
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// successBody is the accept response: {"messages":[{"id":"wamid..."}]}.
type successBody struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// errorBody is the provider error shape.
type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

// Send posts body to {base}/{version}/{path} and classifies the response.
// It never returns an error: every failure mode maps onto a Result kind.
func (c *Client) Send(ctx context.Context, path string, body []byte, idempotencyKey, token string) Result {
	url := c.base + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: PermanentFailure, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, refused connections, resets: the request may or may not
		// have reached the provider. The idempotency key makes the retry safe.
		return Result{Kind: TransientFailure, Reason: fmt.Sprintf("transport: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Kind: TransientFailure, Reason: fmt.Sprintf("read response: %v", err)}
	}

	return c.classify(resp, raw)
}

func (c *Client) classify(resp *http.Response, raw []byte) Result {
	code := resp.StatusCode

	switch {
	case code >= 200 && code < 300:
		var ok successBody
		if err := json.Unmarshal(raw, &ok); err != nil || len(ok.Messages) == 0 || ok.Messages[0].ID == "" {
			// Read receipts return {"success":true} with no message id;
			// everything else must carry one.
			var ack struct {
				Success bool `json:"success"`
			}
			if json.Unmarshal(raw, &ack) == nil && ack.Success {
				return Result{Kind: Accepted}
			}
			// A 2xx we cannot interpret: the send may have happened, the
			// idempotent retry resolves the ambiguity.
			c.logger.Error().
				Int("status", code).
				Str("body", string(raw)).
				Msg("Upstream accepted but response body was unparseable")
			return Result{Kind: TransientFailure, Reason: "unparseable 2xx response"}
		}
		return Result{Kind: Accepted, UpstreamMessageID: ok.Messages[0].ID}

	case code == http.StatusTooManyRequests:
		return Result{
			Kind:       RateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Reason:     "429 too many requests",
		}

	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		eb := parseError(raw)
		return Result{
			Kind:        PermanentFailure,
			AuthFailure: true,
			Code:        eb.Error.Code,
			Reason:      fmt.Sprintf("auth failure (%d): %s", code, eb.Error.Message),
		}

	case code >= 500:
		return Result{Kind: TransientFailure, Reason: fmt.Sprintf("upstream %d", code)}

	default: // remaining 4xx
		eb := parseError(raw)
		kind := PermanentFailure
		if retryableCodes[eb.Error.Code] {
			kind = TransientFailure
		}
		reason := eb.Error.Message
		if eb.Error.ErrorData.Details != "" {
			reason = reason + ": " + eb.Error.ErrorData.Details
		}
		return Result{
			Kind:   kind,
			Code:   eb.Error.Code,
			Reason: fmt.Sprintf("upstream %d: %s", code, reason),
		}
	}
}

func parseError(raw []byte) errorBody {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	return eb
}

// parseRetryAfter handles the delta-seconds form; the HTTP-date form is rare
// enough from this provider that we fall back to zero (caller backoff).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
