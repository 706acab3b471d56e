// Package transport defines the authenticated HTTP transport the sync layer
// talks through, and the error taxonomy every other component classifies
// failures with.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// DefaultTimeout bounds a single request attempt.
const DefaultTimeout = time.Second * 15

// Request is one HTTP call. Body, if non-nil, is sent as JSON.
type Request struct {
	Endpoint string // path relative to the base URL, e.g. "/api/challenges"
	Method   string
	Headers  map[string]string
	Body     any
	// RequiresAuth attaches a bearer token from the credential provider.
	RequiresAuth bool
}

// Response is the raw outcome of a completed HTTP exchange.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into dst. A nil dst or empty body is
// a no-op.
func (r *Response) Decode(dst any) error {
	if dst == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return fmt.Errorf("failed to decode response, %w", err)
	}
	return nil
}

// Transport executes requests. Implementations return *NetworkError for
// transport-level failures and *StatusError for non-2xx responses.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Credentials yields the current auth token. Tokens are consumed, never
// persisted by this layer.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// NetworkError is a transport-level failure: the request may not have
// reached the server at all.
type NetworkError struct {
	IsOffline bool
	IsTimeout bool
	Err       error
}

func (e *NetworkError) Error() string {
	switch {
	case e.IsOffline:
		return fmt.Sprintf("network unavailable: %v", e.Err)
	case e.IsTimeout:
		return fmt.Sprintf("request timed out: %v", e.Err)
	default:
		return fmt.Sprintf("network error: %v", e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a completed exchange with a non-2xx status.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// IsRetryableStatus reports whether a status code is safe to retry blindly.
// Anything outside this set is either terminal (4xx) or an ambiguous
// partial success that must not be replayed.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, // 408
		http.StatusTooManyRequests,     // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}

// IsNetworkError reports whether err is (or wraps) a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.IsTimeout
}

// Retryable reports whether err may be retried under the whitelist policy:
// transport-level failures and the retryable status set.
func Retryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableStatus(se.Status)
	}
	return false
}

type HTTPTransportOpts struct {
	// BaseURL cannot be empty, e.g. "https://api.getproven.app".
	BaseURL string

	// Credentials supplies bearer tokens for RequiresAuth requests.
	// Optional; requests needing auth fail without it.
	Credentials Credentials

	// Timeout is the per-attempt timeout. Default DefaultTimeout.
	Timeout time.Duration

	// Client is the underlying http client. Defaults to a fresh client;
	// the timeout is enforced via request contexts either way.
	Client *http.Client

	// Logger is optional.
	Logger *zap.Logger
}

func (opts *HTTPTransportOpts) Init() error {
	if len(opts.BaseURL) == 0 {
		return errors.New("empty base url")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return fmt.Errorf("invalid base url, %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// HTTPTransport is the production Transport.
type HTTPTransport struct {
	opts HTTPTransportOpts
}

func NewHTTPTransport(opts HTTPTransportOpts) (*HTTPTransport, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &HTTPTransport{opts: opts}, nil
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body, %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := strings.TrimSuffix(t.opts.BaseURL, "/") + "/" + strings.TrimPrefix(req.Endpoint, "/")
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request, %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.RequiresAuth {
		if t.opts.Credentials == nil {
			return nil, errors.New("request requires auth but no credential provider is configured")
		}
		token, err := t.opts.Credentials.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token, %w", err)
		}
		if len(token) > 0 {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.opts.Client.Do(httpReq)
	if err != nil {
		return nil, ClassifyErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyErr(err)
	}

	r := &Response{Status: resp.StatusCode, Body: raw}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return r, &StatusError{Status: resp.StatusCode, Body: raw}
	}
	return r, nil
}

// ClassifyErr folds stdlib transport failures into *NetworkError. It is
// exported for collaborators that run raw HTTP outside this transport
// (the proof uploader).
func ClassifyErr(err error) error {
	ne := &NetworkError{Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		ne.IsTimeout = true
		return ne
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		ne.IsTimeout = true
		return ne
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		ne.IsOffline = true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		ne.IsOffline = true
	}
	return ne
}

var _ Transport = (*HTTPTransport)(nil)
