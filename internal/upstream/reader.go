package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/davidbz/corebridge/internal/domain"
)

const (
	headerMessageType   = ":message-type"
	headerEventType     = ":event-type"
	headerExceptionType = ":exception-type"
	messageTypeEvent    = "event"

	eventPayloadBufferSize = 1024 * 1024
)

// closeOnce makes Close safe to call from the idle timer and the consumer.
type closeOnce struct {
	once   sync.Once
	closer io.Closer
	err    error
}

func (c *closeOnce) Close() error {
	c.once.Do(func() {
		c.err = c.closer.Close()
	})
	return c.err
}

// sseReader reads server-sent events.
type sseReader struct {
	ctx     context.Context
	decoder ssestream.Decoder
	body    *closeOnce
}

func newSSEReader(ctx context.Context, resp *http.Response) *sseReader {
	return &sseReader{
		ctx:     ctx,
		decoder: ssestream.NewDecoder(resp),
		body:    &closeOnce{closer: resp.Body},
	}
}

// Next returns the next non-empty event.
func (r *sseReader) Next() (domain.UpstreamEvent, error) {
	for r.decoder.Next() {
		event := r.decoder.Event()
		data := bytes.TrimSpace(event.Data)
		if len(data) == 0 {
			continue
		}
		return domain.UpstreamEvent{Type: event.Type, Data: bytes.Clone(data)}, nil
	}

	if err := r.decoder.Err(); err != nil {
		return domain.UpstreamEvent{}, wrapNetworkError(r.ctx, err)
	}
	return domain.UpstreamEvent{}, io.EOF
}

func (r *sseReader) Close() error {
	return r.body.Close()
}

// eventStreamReader reads application/vnd.amazon.eventstream frames.
type eventStreamReader struct {
	ctx     context.Context
	decoder *eventstream.Decoder
	body    io.Reader
	closer  *closeOnce
	buf     []byte
}

func newEventStreamReader(ctx context.Context, body io.ReadCloser) *eventStreamReader {
	return &eventStreamReader{
		ctx:     ctx,
		decoder: eventstream.NewDecoder(),
		body:    body,
		closer:  &closeOnce{closer: body},
		buf:     make([]byte, 0, eventPayloadBufferSize),
	}
}

// Next decodes the next frame. Exception frames become errors.
func (r *eventStreamReader) Next() (domain.UpstreamEvent, error) {
	for {
		message, err := r.decoder.Decode(r.body, r.buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.UpstreamEvent{}, io.EOF
			}
			return domain.UpstreamEvent{}, wrapNetworkError(r.ctx, err)
		}

		if messageType := headerString(message.Headers, headerMessageType); messageType != "" &&
			messageType != messageTypeEvent {
			return domain.UpstreamEvent{}, exceptionError(message, messageType)
		}

		if len(message.Payload) == 0 {
			continue
		}

		return domain.UpstreamEvent{
			Type: headerString(message.Headers, headerEventType),
			Data: bytes.Clone(message.Payload),
		}, nil
	}
}

func (r *eventStreamReader) Close() error {
	return r.closer.Close()
}

func headerString(headers eventstream.Headers, name string) string {
	value := headers.Get(name)
	if value == nil {
		return ""
	}
	return value.String()
}

// exceptionError maps a Bedrock exception frame onto the error taxonomy.
func exceptionError(message eventstream.Message, messageType string) error {
	exceptionType := headerString(message.Headers, headerExceptionType)
	if exceptionType == "" {
		exceptionType = messageType
	}

	detail := errorDetail(message.Payload)
	if detail == "" {
		detail = exceptionType
	}

	lower := strings.ToLower(exceptionType)
	switch {
	case strings.Contains(lower, "throttling"):
		return &domain.TransientBackendError{StatusCode: http.StatusTooManyRequests, Detail: detail}
	case strings.Contains(lower, "serviceunavailable"), strings.Contains(lower, "modelnotready"):
		return &domain.TransientBackendError{StatusCode: http.StatusServiceUnavailable, Detail: detail}
	case strings.Contains(lower, "validation"):
		return &domain.UpstreamRejectedError{StatusCode: http.StatusBadRequest, Detail: detail}
	default:
		return &domain.UpstreamRejectedError{StatusCode: http.StatusBadGateway, Detail: exceptionType + ": " + detail}
	}
}
