// Package forwarder implements the proxy forwarder contract: URL
// composition, auth header injection, SSE passthrough without buffering
// beyond the first event, and honest classification of upstream failures
// into the Retryable/Fatal buckets the retry driver depends on.
//
// Deliberately built on net/http rather than a typed provider SDK client:
// an SDK decodes and re-encodes JSON bodies, which cannot give the
// byte-for-byte SSE passthrough and deferred-flush guarantees this contract
// requires.
package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/health"
)

// OutcomeKind is the sum type acting as the single source of truth for
// whether the retry driver may retry.
type OutcomeKind int

const (
	// Completed is a fully-buffered non-streaming response ready to send.
	Completed OutcomeKind = iota
	// FirstByteSent means at least one byte (the first SSE event) has
	// already been committed to the client; retry is no longer possible.
	FirstByteSent
	// Retryable is a failure the driver may fail over on.
	Retryable
	// Fatal is a failure that must be surfaced to the client verbatim.
	Fatal
)

// StreamResult carries the already-read first SSE event plus the remaining
// body reader for the HTTP layer to copy through untouched.
type StreamResult struct {
	FirstEvent []byte
	Rest       io.ReadCloser
	StatusCode int
	Header     http.Header
}

// Outcome is what Invoke returns; exactly one branch is meaningful per Kind.
type Outcome struct {
	Kind OutcomeKind

	// Completed / Fatal
	StatusCode int
	Header     http.Header
	Body       []byte

	// FirstByteSent
	Stream *StreamResult

	// Retryable, and Fatal when IsAuthFailure
	FailureKind health.FailureKind
	// IsAuthFailure marks a Fatal outcome caused by upstream 401/403, the
	// only Fatal case that still updates the health registry.
	IsAuthFailure bool
}

// Forwarder issues HTTP requests to one provider's backends, reusing a
// single http.Client (and therefore its connection pool) for the
// provider's lifetime.
type Forwarder struct {
	provider *config.Provider
	client   *http.Client
	timeout  time.Duration
}

// New builds a Forwarder for one provider. timeout is that provider's
// timeout_seconds (the caller falls back to the global
// request_timeout_seconds when it is unset).
func New(provider *config.Provider, timeout time.Duration) *Forwarder {
	return &Forwarder{
		provider: provider,
		client: &http.Client{
			// No client-level timeout: the context deadline that Invoke and
			// Probe derive from timeout is the single source of truth so
			// cancellation reasons are classified in one place.
		},
		timeout: timeout,
	}
}

// Invoke sends one request to backend's upstream model, rewriting the JSON
// body's "model" field to the backend's upstream model name. path is the
// OpenAI-compatible suffix (e.g. "/chat/completions"). incoming is the
// inbound request's header set, filtered before merge. stream indicates the
// client asked for a streamed response.
func (f *Forwarder) Invoke(ctx context.Context, backend *config.Backend, path string, body []byte, incoming http.Header, stream bool) Outcome {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	rewritten, err := rewriteModel(body, backend.Model)
	if err != nil {
		return Outcome{Kind: Retryable, FailureKind: health.FailureMalformed}
	}

	url := strings.TrimRight(f.provider.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rewritten))
	if err != nil {
		return Outcome{Kind: Retryable, FailureKind: health.FailureNetwork}
	}
	f.applyHeaders(req, incoming)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: Retryable, FailureKind: health.FailureTimeout}
		}
		return Outcome{Kind: Retryable, FailureKind: health.FailureNetwork}
	}

	return f.classify(resp, stream)
}

// Probe issues a cheap liveness check against {base_url}/models, used by
// the active prober. It never rewrites a body and never streams.
func (f *Forwarder) Probe(ctx context.Context, method string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := strings.TrimRight(f.provider.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	f.applyHeaders(req, nil)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errStatus(resp.StatusCode)
	}
	return nil
}

func (f *Forwarder) applyHeaders(req *http.Request, incoming http.Header) {
	for k, vs := range incoming {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.provider.APIKey)
	for k, v := range f.provider.Headers {
		req.Header.Set(k, v)
	}
}

func isHopByHop(header string) bool {
	switch strings.ToLower(header) {
	case "authorization", "host", "content-length", "connection", "transfer-encoding":
		return true
	default:
		return false
	}
}

func (f *Forwarder) classify(resp *http.Response, stream bool) Outcome {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if stream && isEventStream(resp.Header) {
			return f.classifyStream(resp)
		}
		return f.classifyBuffered(resp)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body := drain(resp)
		return Outcome{Kind: Fatal, StatusCode: resp.StatusCode, Header: resp.Header, Body: body, IsAuthFailure: true, FailureKind: health.FailureUpstreamAuth}
	case resp.StatusCode == http.StatusTooManyRequests:
		drainDiscard(resp)
		return Outcome{Kind: Retryable, FailureKind: health.FailureUpstream429}
	case resp.StatusCode >= 500:
		drainDiscard(resp)
		return Outcome{Kind: Retryable, FailureKind: health.FailureUpstream5xx}
	default: // other 4xx: client error, fatal, does not degrade the backend
		body := drain(resp)
		return Outcome{Kind: Fatal, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	}
}

func (f *Forwarder) classifyBuffered(resp *http.Response) Outcome {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Outcome{Kind: Retryable, FailureKind: health.FailureMalformed}
	}
	return Outcome{Kind: Completed, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}

// classifyStream reads exactly the first SSE event before committing to
// FirstByteSent, so a connection that dies before any event is produced is
// still retryable.
func (f *Forwarder) classifyStream(resp *http.Response) Outcome {
	reader := bufio.NewReader(resp.Body)
	var event bytes.Buffer
	sawContent := false
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			event.Write(line)
		}
		if err != nil {
			resp.Body.Close()
			return Outcome{Kind: Retryable, FailureKind: health.FailureMalformed}
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			if sawContent {
				break // blank line after at least one content line: one full event
			}
			continue // leading blank lines before the first event are ignored
		}
		sawContent = true
	}
	return Outcome{
		Kind: FirstByteSent,
		Stream: &StreamResult{
			FirstEvent: event.Bytes(),
			Rest:       resp.Body,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
		},
	}
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func drain(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body
}

func drainDiscard(resp *http.Response) {
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
}

func rewriteModel(body []byte, upstreamModel string) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}
	if _, ok := generic["model"]; ok {
		generic["model"] = upstreamModel
		return json.Marshal(generic)
	}
	return body, nil
}

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }
func errStatus(code int) error      { return statusError(code) }
