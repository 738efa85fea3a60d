package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

// Remote delivers one operation to the backend. Implementations return
// *ConflictError when the server holds a newer revision of the target.
type Remote interface {
	Send(ctx context.Context, op QueuedOperation) error
}

// BatchRemote is implemented by remotes that accept several operations for
// the same target in one call. The returned slice holds one error per
// operation, in order; a non-nil second result fails the whole batch.
type BatchRemote interface {
	Remote
	SendBatch(ctx context.Context, ops []QueuedOperation) ([]error, error)
}

// StatusFetcher is implemented by remotes that can report server-side status.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, id string) (StatusEntry, error)
}

// RemoteFunc adapts a function to Remote.
type RemoteFunc func(ctx context.Context, op QueuedOperation) error

func (f RemoteFunc) Send(ctx context.Context, op QueuedOperation) error {
	return f(ctx, op)
}

// ============================================================================
// HTTPRemote
// ============================================================================

// HTTPRemote is the HTTP implementation of Remote, BatchRemote and StatusFetcher.
type HTTPRemote struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type HTTPRemoteOption func(*HTTPRemote)

func WithRemoteHTTPClient(client *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.httpClient = client }
}

// WithRemoteRetries sets how often 429 and 5xx responses are retried and the backoff bounds.
func WithRemoteRetries(maxRetries int, baseDelay, maxDelay time.Duration) HTTPRemoteOption {
	return func(r *HTTPRemote) {
		r.maxRetries = maxRetries
		r.baseDelay = baseDelay
		r.maxDelay = maxDelay
	}
}

// NewHTTPRemote creates a remote rooted at baseURL, e.g. https://api.example.com/v1.
func NewHTTPRemote(baseURL string, tokens TokenSource, opts ...HTTPRemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type batchRequest struct {
	Operations []QueuedOperation `json:"operations"`
}

type batchResult struct {
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Status  int           `json:"status,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	Remote  *RemoteRecord `json:"remote,omitempty"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

func (r *HTTPRemote) Send(ctx context.Context, op QueuedOperation) error {
	headers := map[string]string{"Idempotency-Key": op.ID}
	if op.BaseRevision != "" {
		headers["If-Match"] = op.BaseRevision
	}
	err := r.doJSON(ctx, http.MethodPost, "/operations", headers, op, nil)
	if ce, ok := err.(*ConflictError); ok {
		ce.ID = op.ID
	}
	return err
}

func (r *HTTPRemote) SendBatch(ctx context.Context, ops []QueuedOperation) ([]error, error) {
	var out batchResponse
	if err := r.doJSON(ctx, http.MethodPost, "/operations/batch", nil, batchRequest{Operations: ops}, &out); err != nil {
		return nil, err
	}
	byID := make(map[string]batchResult, len(out.Results))
	for _, res := range out.Results {
		byID[res.ID] = res
	}
	errs := make([]error, len(ops))
	for i, op := range ops {
		res, ok := byID[op.ID]
		switch {
		case !ok:
			errs[i] = fmt.Errorf("operation %s missing from batch response", op.ID)
		case res.OK:
		case res.Status == http.StatusConflict:
			ce := &ConflictError{ID: op.ID}
			if res.Remote != nil {
				ce.Remote = *res.Remote
			}
			errs[i] = ce
		default:
			errs[i] = &HTTPError{StatusCode: res.Status, Code: res.Code, Message: res.Message}
		}
	}
	return errs, nil
}

func (r *HTTPRemote) FetchStatus(ctx context.Context, id string) (StatusEntry, error) {
	var out StatusEntry
	err := r.doJSON(ctx, http.MethodGet, "/operations/"+url.PathEscape(id)+"/status", nil, nil, &out)
	if err != nil {
		if he, ok := err.(*HTTPError); ok && he.StatusCode == http.StatusNotFound {
			return StatusEntry{}, fmt.Errorf("status %s: %w", id, ErrNotFound)
		}
		return StatusEntry{}, err
	}
	if out.QueueID == "" {
		out.QueueID = id
	}
	return out, nil
}

func (r *HTTPRemote) doJSON(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyBytes = b
	}
	token := ""
	if r.tokens != nil {
		t, err := r.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		token = t
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if attempt < r.maxRetries {
				if waitErr := waitWithContext(ctx, r.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("request failed: %w", err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("failed to unmarshal response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < r.maxRetries {
			if waitErr := waitWithContext(ctx, r.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string        `json:"code"`
			Message string        `json:"message"`
			Remote  *RemoteRecord `json:"remote"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			ce := &ConflictError{}
			if errPayload.Remote != nil {
				ce.Remote = *errPayload.Remote
			}
			return ce
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
}

func (r *HTTPRemote) retryDelay(attempt int, retryAfter string) time.Duration {
	if d := parseRetryAfter(retryAfter); d > 0 {
		if d > r.maxDelay {
			return r.maxDelay
		}
		return d
	}
	return ReconnectDelay(attempt, r.baseDelay, r.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// permanentFailure reports whether retrying err can never succeed.
func permanentFailure(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}
