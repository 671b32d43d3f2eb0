package upstream_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/upstream"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) BearerToken(context.Context, string) (string, time.Time, error) {
	return s.token, time.Time{}, s.err
}

func TestHTTPTransport_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("should send body, headers, query and bearer token", func(t *testing.T) {
		var got *http.Request
		var gotBody []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r
			gotBody, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		transport := upstream.NewHTTPTransport(staticTokens{token: "tok"}, time.Second)
		body, err := transport.Do(ctx, domain.Endpoint{
			TenantID: "t1",
			URL:      server.URL + "/deployments/d1/",
			Headers:  map[string]string{"AI-Resource-Group": "default"},
		}, &domain.OutboundRequest{
			Method:  http.MethodPost,
			Path:    "/chat/completions",
			Query:   map[string]string{"api-version": "2024-10-21"},
			Headers: map[string]string{"X-Extra": "1"},
			Body:    []byte(`{"model":"gpt-4o"}`),
		})

		require.NoError(t, err)
		require.JSONEq(t, `{"ok":true}`, string(body))
		require.Equal(t, "/deployments/d1/chat/completions", got.URL.Path)
		require.Equal(t, "2024-10-21", got.URL.Query().Get("api-version"))
		require.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
		require.Equal(t, "default", got.Header.Get("AI-Resource-Group"))
		require.Equal(t, "1", got.Header.Get("X-Extra"))
		require.JSONEq(t, `{"model":"gpt-4o"}`, string(gotBody))
	})

	t.Run("should classify retryable statuses as transient", func(t *testing.T) {
		for _, status := range []int{429, 502, 503, 504} {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":{"message":"busy"}}`))
			}))

			_, err := upstream.NewHTTPTransport(nil, time.Second).Do(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/x"})
			server.Close()

			var transient *domain.TransientBackendError
			require.ErrorAs(t, err, &transient)
			require.Equal(t, status, transient.StatusCode)
			require.Equal(t, "busy", transient.Detail)
			require.True(t, upstream.Classify(err))
		}
	})

	t.Run("should classify other statuses as rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"max_tokens too large"}`))
		}))
		defer server.Close()

		_, err := upstream.NewHTTPTransport(nil, time.Second).Do(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/x"})

		var rejected *domain.UpstreamRejectedError
		require.ErrorAs(t, err, &rejected)
		require.Equal(t, http.StatusBadRequest, rejected.StatusCode)
		require.Equal(t, "max_tokens too large", rejected.Detail)
		require.False(t, upstream.Classify(err))
	})

	t.Run("should fail with an authentication error before sending", func(t *testing.T) {
		called := false
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
		defer server.Close()

		_, err := upstream.NewHTTPTransport(staticTokens{err: errors.New("invalid_client")}, time.Second).
			Do(ctx, domain.Endpoint{TenantID: "t9", URL: server.URL}, &domain.OutboundRequest{Path: "/x"})

		var authErr *domain.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, "t9", authErr.TenantID)
		require.False(t, called)
	})

	t.Run("should report a refused connection as transient", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := upstream.NewHTTPTransport(nil, time.Second).Do(ctx, domain.Endpoint{URL: url}, &domain.OutboundRequest{Path: "/x"})
		require.Error(t, err)
		require.True(t, upstream.Classify(err))
	})
}

func TestHTTPTransport_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("should read server-sent events", func(t *testing.T) {
		var accept string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accept = r.Header.Get("Accept")
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data: {\"a\":1}\n\n: keep-alive\n\nevent: ping\ndata: {\"b\":2}\n\ndata: [DONE]\n\n")
		}))
		defer server.Close()

		reader, err := upstream.NewHTTPTransport(nil, time.Second).
			Stream(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/s", Stream: true})
		require.NoError(t, err)
		defer reader.Close()
		require.Equal(t, "text/event-stream", accept)

		first, err := reader.Next()
		require.NoError(t, err)
		require.JSONEq(t, `{"a":1}`, string(first.Data))

		second, err := reader.Next()
		require.NoError(t, err)
		require.Equal(t, "ping", second.Type)

		done, err := reader.Next()
		require.NoError(t, err)
		require.Equal(t, "[DONE]", string(done.Data))

		_, err = reader.Next()
		require.ErrorIs(t, err, io.EOF)

		require.NoError(t, reader.Close())
		require.NoError(t, reader.Close())
	})

	t.Run("should decode binary event stream frames", func(t *testing.T) {
		var frames bytes.Buffer
		encoder := eventstream.NewEncoder()
		for _, frame := range []struct{ event, payload string }{
			{"messageStart", `{"role":"assistant"}`},
			{"contentBlockDelta", `{"contentBlockIndex":0,"delta":{"text":"Hi"}}`},
		} {
			headers := eventstream.Headers{}
			headers.Set(":message-type", eventstream.StringValue("event"))
			headers.Set(":event-type", eventstream.StringValue(frame.event))
			require.NoError(t, encoder.Encode(&frames, eventstream.Message{Headers: headers, Payload: []byte(frame.payload)}))
		}

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
			_, _ = w.Write(frames.Bytes())
		}))
		defer server.Close()

		reader, err := upstream.NewHTTPTransport(nil, time.Second).
			Stream(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/converse-stream", Stream: true})
		require.NoError(t, err)
		defer reader.Close()

		start, err := reader.Next()
		require.NoError(t, err)
		require.Equal(t, "messageStart", start.Type)

		delta, err := reader.Next()
		require.NoError(t, err)
		require.Equal(t, "contentBlockDelta", delta.Type)
		require.JSONEq(t, `{"contentBlockIndex":0,"delta":{"text":"Hi"}}`, string(delta.Data))

		_, err = reader.Next()
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("should surface exception frames", func(t *testing.T) {
		var frames bytes.Buffer
		headers := eventstream.Headers{}
		headers.Set(":message-type", eventstream.StringValue("exception"))
		headers.Set(":exception-type", eventstream.StringValue("throttlingException"))
		require.NoError(t, eventstream.NewEncoder().Encode(&frames, eventstream.Message{
			Headers: headers,
			Payload: []byte(`{"message":"Too many requests"}`),
		}))

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
			_, _ = w.Write(frames.Bytes())
		}))
		defer server.Close()

		reader, err := upstream.NewHTTPTransport(nil, time.Second).
			Stream(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/converse-stream", Stream: true})
		require.NoError(t, err)
		defer reader.Close()

		_, err = reader.Next()
		var transient *domain.TransientBackendError
		require.ErrorAs(t, err, &transient)
		require.Equal(t, http.StatusTooManyRequests, transient.StatusCode)
		require.Equal(t, "Too many requests", transient.Detail)
	})

	t.Run("should return setup errors before any event", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := upstream.NewHTTPTransport(nil, time.Second).
			Stream(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/s", Stream: true})

		var transient *domain.TransientBackendError
		require.ErrorAs(t, err, &transient)
		require.Equal(t, http.StatusServiceUnavailable, transient.StatusCode)
	})
}

func TestHTTPTransport_HeaderTimeout(t *testing.T) {
	noSleep := func(context.Context, time.Duration) error { return nil }

	t.Run("should retry a response that misses the first-byte window", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if hits.Add(1) == 1 {
				time.Sleep(300 * time.Millisecond)
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		transport := upstream.NewHTTPTransport(nil, 100*time.Millisecond)
		policy := upstream.NewRetryPolicy(upstream.RetryConfig{MaxAttempts: 4}).WithSleep(noSleep)

		var body []byte
		err := policy.Do(context.Background(), func(ctx context.Context, _ int) error {
			var doErr error
			body, doErr = transport.Do(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/x"})
			return doErr
		})

		require.NoError(t, err)
		require.JSONEq(t, `{"ok":true}`, string(body))
		require.Equal(t, int32(2), hits.Load())
	})

	t.Run("should mark a header timeout as transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		_, err := upstream.NewHTTPTransport(nil, 100*time.Millisecond).
			Do(context.Background(), domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/x"})

		var transient *domain.TransientBackendError
		require.ErrorAs(t, err, &transient)
	})

	t.Run("should not retry when the caller deadline expires", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		transport := upstream.NewHTTPTransport(nil, time.Second)
		policy := upstream.NewRetryPolicy(upstream.RetryConfig{MaxAttempts: 4}).WithSleep(noSleep)

		err := policy.Do(ctx, func(ctx context.Context, _ int) error {
			_, doErr := transport.Do(ctx, domain.Endpoint{URL: server.URL}, &domain.OutboundRequest{Path: "/x"})
			return doErr
		})

		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, int32(1), hits.Load())

		var transient *domain.TransientBackendError
		require.NotErrorAs(t, err, &transient)
	})
}
