// Package clientformat decodes client requests into the unified model and
// encodes unified responses and stream events back into the client's wire format.
package clientformat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/davidbz/corebridge/internal/domain"
)

// ErrInvalidRequest marks client request bodies that cannot be decoded.
var ErrInvalidRequest = errors.New("invalid request")

// Format is one client-facing wire format.
type Format interface {
	// Name identifies the format in logs.
	Name() string

	// DecodeRequest parses a client body into a unified request.
	DecodeRequest(body []byte) (*domain.UnifiedRequest, error)

	// EncodeResponse renders a non-streaming response.
	EncodeResponse(resp *domain.UnifiedResponse) ([]byte, error)

	// EncodeError renders an error body for the given HTTP status.
	EncodeError(status int, message string) []byte

	// NewStreamEncoder returns an encoder for one stream.
	NewStreamEncoder() StreamEncoder
}

// StreamEncoder writes unified stream events as server-sent events.
type StreamEncoder interface {
	WriteEvent(w io.Writer, event domain.StreamEvent) error
}

// errorType maps an HTTP status to the error type names both formats use.
func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// parseDataURL splits data:<media type>;base64,<data>.
func parseDataURL(url string) (string, string, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", "", false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", false
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", "", false
	}
	return mediaType, data, true
}

// splitExtra decodes an object and separates the known keys from the rest.
func splitExtra(raw json.RawMessage, known ...string) (map[string]json.RawMessage, map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, err
	}

	var extra map[string]json.RawMessage
	for key, value := range fields {
		if slices.Contains(known, key) {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = value
	}
	return fields, extra, nil
}

// stringOrList accepts "x" or ["x", "y"].
func stringOrList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func decodeThinking(raw json.RawMessage) (*domain.Thinking, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	fields, extra, err := splitExtra(raw, "type", "budget_tokens")
	if err != nil {
		return nil, err
	}

	thinking := &domain.Thinking{Extra: extra}
	if value, ok := fields["type"]; ok {
		if err := json.Unmarshal(value, &thinking.Type); err != nil {
			return nil, err
		}
	}
	if value, ok := fields["budget_tokens"]; ok {
		if err := json.Unmarshal(value, &thinking.BudgetTokens); err != nil {
			return nil, err
		}
	}
	if thinking.Type == "disabled" {
		return nil, nil
	}
	return thinking, nil
}
