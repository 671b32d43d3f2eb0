// Package upstream sends converted requests to backend endpoints, reads their
// event streams and decides which failures are worth retrying.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
)

const (
	contentTypeEventStream   = "application/vnd.amazon.eventstream"
	contentTypeServerSent    = "text/event-stream"
	defaultHeaderTimeout     = 60 * time.Second
	errorDetailLimit         = 512
	headerAuthorization      = "Authorization"
	headerContentType        = "Content-Type"
	headerAccept             = "Accept"
	mediaTypeApplicationJSON = "application/json"
)

// HTTPTransport implements domain.Transport over net/http.
type HTTPTransport struct {
	client *http.Client
	tokens domain.TokenProvider
}

// NewHTTPTransport creates a transport. headerTimeout bounds connect plus
// response headers; bodies are not bounded so long streams stay open.
func NewHTTPTransport(tokens domain.TokenProvider, headerTimeout time.Duration) *HTTPTransport {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		base = &http.Transport{}
	}
	roundTripper := base.Clone()
	roundTripper.ResponseHeaderTimeout = headerTimeout

	return &HTTPTransport{
		client: &http.Client{Transport: roundTripper},
		tokens: tokens,
	}
}

// Do performs a non-streaming request and returns the response body.
func (t *HTTPTransport) Do(ctx context.Context, endpoint domain.Endpoint, req *domain.OutboundRequest) ([]byte, error) {
	resp, err := t.send(ctx, endpoint, req, mediaTypeApplicationJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapNetworkError(ctx, fmt.Errorf("failed to read response body: %w", err))
	}

	return body, nil
}

// Stream opens a streaming request. The reader is chosen from the response
// Content-Type: AWS binary event stream or server-sent events.
func (t *HTTPTransport) Stream(
	ctx context.Context,
	endpoint domain.Endpoint,
	req *domain.OutboundRequest,
) (domain.EventReader, error) {
	//nolint:bodyclose // closed by the returned reader
	resp, err := t.send(ctx, endpoint, req, contentTypeServerSent)
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if mediaType == contentTypeEventStream {
		return newEventStreamReader(ctx, resp.Body), nil
	}
	return newSSEReader(ctx, resp), nil
}

func (t *HTTPTransport) send(
	ctx context.Context,
	endpoint domain.Endpoint,
	req *domain.OutboundRequest,
	accept string,
) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("outbound request cannot be nil")
	}

	target, err := buildURL(endpoint.URL, req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, mediaTypeApplicationJSON)
	httpReq.Header.Set(headerAccept, accept)
	for key, value := range endpoint.Headers {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if t.tokens != nil {
		token, _, tokenErr := t.tokens.BearerToken(ctx, endpoint.TenantID)
		if tokenErr != nil {
			return nil, &domain.AuthenticationError{TenantID: endpoint.TenantID, Err: tokenErr}
		}
		if token != "" {
			httpReq.Header.Set(headerAuthorization, "Bearer "+token)
		}
	}

	observability.FromContext(ctx).Debug("sending upstream request",
		observability.String("method", method),
		observability.String("url", target),
		observability.Bool("stream", req.Stream))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, wrapNetworkError(ctx, fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, statusError(resp.StatusCode, body)
	}

	return resp, nil
}

func buildURL(base, path string, query map[string]string) (string, error) {
	target, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint url %q: %w", base, err)
	}

	if len(query) > 0 {
		values := target.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		target.RawQuery = values.Encode()
	}

	return target.String(), nil
}

// statusError classifies a non-2xx response.
func statusError(status int, body []byte) error {
	detail := errorDetail(body)

	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &domain.TransientBackendError{StatusCode: status, Detail: detail}
	default:
		return &domain.UpstreamRejectedError{StatusCode: status, Detail: detail}
	}
}

// errorDetail pulls a readable message out of an error body.
func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "Message", "error"} {
			if value := gjson.GetBytes(body, path); value.Type == gjson.String && value.String() != "" {
				return value.String()
			}
		}
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > errorDetailLimit {
		detail = detail[:errorDetailLimit]
	}
	return detail
}

// wrapNetworkError marks retryable connection failures as transient.
func wrapNetworkError(ctx context.Context, err error) error {
	if ClassifyContext(ctx, err) {
		return &domain.TransientBackendError{Err: err}
	}
	return err
}
