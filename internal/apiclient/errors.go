package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// ErrUnreachable is returned when the backend could not be reached at all.
var ErrUnreachable = errors.New("backend unreachable")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	// Detail is the backend's "detail" message, if any.
	Detail string
	// Message is the backend's "error" message, if any.
	Message string
	// Fields holds field-level validation messages keyed by field name.
	Fields map[string][]string
	Body   []byte
}

func (e *APIError) Error() string {
	if msg := e.Summary(); msg != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
	}
	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			names = append(names, k)
		}
		sort.Strings(names)
		return fmt.Sprintf("backend returned %d: invalid %s", e.Status, strings.Join(names, ", "))
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// Summary returns the "error" message, falling back to "detail".
func (e *APIError) Summary() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Detail
}

// FieldMessage returns the first message reported for field.
func (e *APIError) FieldMessage(field string) string {
	if msgs := e.Fields[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsValidation reports whether err is a 4xx carrying field-level messages.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.Status >= 400 && apiErr.Status < 500 &&
		len(apiErr.Fields) > 0
}

// FieldMessage returns the first message found for the given fields, tried in
// order. "detail" and "error" name APIError.Detail and APIError.Message.
func FieldMessage(err error, fields ...string) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	for _, f := range fields {
		switch f {
		case "detail":
			if apiErr.Detail != "" {
				return apiErr.Detail
			}
			continue
		case "error":
			if apiErr.Message != "" {
				return apiErr.Message
			}
			continue
		}
		if msg := apiErr.FieldMessage(f); msg != "" {
			return msg
		}
	}
	return ""
}

func decodeAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode, Body: body}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return apiErr
	}

	for key, value := range raw {
		msgs := decodeMessages(value)
		if len(msgs) == 0 {
			continue
		}
		switch key {
		case "detail":
			apiErr.Detail = msgs[0]
		case "error":
			apiErr.Message = msgs[0]
		default:
			if apiErr.Fields == nil {
				apiErr.Fields = make(map[string][]string)
			}
			apiErr.Fields[key] = msgs
		}
	}
	return apiErr
}

// decodeMessages accepts a string or a list of strings.
func decodeMessages(v json.RawMessage) []string {
	var one string
	if err := json.Unmarshal(v, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(v, &many); err == nil {
		return many
	}
	return nil
}
