package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"multisigd/observability"
)

// Config configures the gateway HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// ReadRetries bounds retries of idempotent reads. Submissions are never retried.
	ReadRetries uint64
	// RetryInterval is the first backoff delay between read retries.
	RetryInterval time.Duration
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
	Transport         http.RoundTripper
}

// Client talks to the ledger gateway's JSON API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	readRetries uint64
	retryDelay  time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewClient constructs a gateway client targeting cfg.BaseURL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	retries := cfg.ReadRetries
	if retries == 0 {
		retries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		readRetries: retries,
		retryDelay:  cfg.RetryInterval,
		limiter:     limiter,
		logger:      logger.With("component", "ledger"),
		tracer:      otel.Tracer("multisigd/ledger"),
	}
}

// StatusError is a non-2xx gateway answer.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

type gatewayStatusResponse struct {
	LedgerState struct {
		Epoch uint64 `json:"epoch"`
	} `json:"ledger_state"`
}

// CurrentRound returns the ledger's current epoch.
func (c *Client) CurrentRound(ctx context.Context) (uint64, error) {
	var out gatewayStatusResponse
	if err := c.read(ctx, "/status/gateway-status", struct{}{}, &out); err != nil {
		return 0, err
	}
	return out.LedgerState.Epoch, nil
}

type entityDetailsRequest struct {
	Addresses []string `json:"addresses"`
}

type entityDetailsResponse struct {
	Items []struct {
		Address string `json:"address"`
		Details *struct {
			RoleAssignments *struct {
				Owner *struct {
					Rule    json.RawMessage `json:"rule"`
					Updater string          `json:"updater"`
				} `json:"owner"`
			} `json:"role_assignments"`
		} `json:"details"`
	} `json:"items"`
}

// ReadPolicy reads the owner role of account and parses it into a Policy.
func (c *Client) ReadPolicy(ctx context.Context, account string) (*Policy, error) {
	var out entityDetailsResponse
	if err := c.read(ctx, "/state/entity/details", entityDetailsRequest{Addresses: []string{account}}, &out); err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	item := out.Items[0]
	if item.Details == nil || item.Details.RoleAssignments == nil || item.Details.RoleAssignments.Owner == nil {
		return nil, fmt.Errorf("%w: no owner role for %s", ErrUnsupportedRule, account)
	}
	owner := item.Details.RoleAssignments.Owner
	policy, err := ParseOwnerRule(owner.Rule)
	if err != nil {
		return nil, err
	}
	policy.Updatable = owner.Updater == "Owner"
	return policy, nil
}

type submitRequest struct {
	NotarizedTransactionHex string `json:"notarized_transaction_hex"`
}

type submitResponse struct {
	Duplicate bool `json:"duplicate"`
}

// Submit sends a notarized transaction once. A 4xx answer is a definitive
// rejection; anything else that fails leaves the outcome unknown to the caller.
func (c *Client) Submit(ctx context.Context, payload []byte) (SubmitResult, error) {
	var out submitResponse
	err := c.do(ctx, "/transaction/submit", submitRequest{NotarizedTransactionHex: hex.EncodeToString(payload)}, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return SubmitResult{}, fmt.Errorf("%w: %s", ErrRejected, statusErr.Body)
		}
		return SubmitResult{}, err
	}
	return SubmitResult{Duplicate: out.Duplicate}, nil
}

type statusRequest struct {
	IntentHash string `json:"intent_hash"`
}

type statusResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// PollStatus reports the ledger's view of a transaction id.
func (c *Client) PollStatus(ctx context.Context, txID string) (TxStatus, error) {
	var out statusResponse
	if err := c.read(ctx, "/transaction/status", statusRequest{IntentHash: txID}, &out); err != nil {
		return TxStatus{}, err
	}
	state := TxState(out.Status)
	switch state {
	case TxPending, TxCommitted, TxFailed, TxRejected, TxUnknown:
	default:
		return TxStatus{}, fmt.Errorf("unexpected transaction status %q", out.Status)
	}
	return TxStatus{State: state, ErrorMessage: out.ErrorMessage}, nil
}

type previewResponse struct {
	Receipt struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	} `json:"receipt"`
}

// Preview dry-runs a notarized transaction.
func (c *Client) Preview(ctx context.Context, payload []byte) error {
	var out previewResponse
	if err := c.do(ctx, "/transaction/preview", submitRequest{NotarizedTransactionHex: hex.EncodeToString(payload)}, &out); err != nil {
		return err
	}
	if out.Receipt.Status != "Succeeded" {
		return fmt.Errorf("preview %s: %s", strings.ToLower(out.Receipt.Status), out.Receipt.ErrorMessage)
	}
	return nil
}

// read retries transport failures and 5xx answers with exponential backoff.
func (c *Client) read(ctx context.Context, path string, body, out any) error {
	exp := backoff.NewExponentialBackOff()
	if c.retryDelay > 0 {
		exp.InitialInterval = c.retryDelay
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.readRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := c.do(ctx, path, body, out)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("gateway read failed, retrying", "path", path, "error", err, "wait", wait)
	})
}

func (c *Client) do(ctx context.Context, path string, body, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "ledger"+path, trace.WithAttributes(attribute.String("ledger.path", path)))
	start := time.Now()
	defer func() {
		observability.Multisig().ObserveGatewayCall(path, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Endpoint: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger: decode %s response: %w", path, err)
	}
	return nil
}

var _ Gateway = (*Client)(nil)
