package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Status labels used when the engine cannot report an HTTP status.
const (
	StatusTimeout    = "tim"
	StatusProxyError = "prx"
	StatusError      = "err"
	StatusUnknown    = "UNK"
)

// StatusCode is either an HTTP-equivalent integer or a textual label.
type StatusCode struct {
	Code  int
	Label string
}

// HTTPStatus builds a numeric status code.
func HTTPStatus(code int) *StatusCode {
	return &StatusCode{Code: code}
}

// LabelStatus builds a labelled status code.
func LabelStatus(label string) *StatusCode {
	return &StatusCode{Label: label}
}

// IsLabel reports whether the status carries a label instead of a number.
func (s StatusCode) IsLabel() bool {
	return s.Label != ""
}

// String renders the status for logs and index rows.
func (s StatusCode) String() string {
	if s.IsLabel() {
		return s.Label
	}
	return strconv.Itoa(s.Code)
}

// MarshalJSON writes a number or a string.
func (s StatusCode) MarshalJSON() ([]byte, error) {
	if s.IsLabel() {
		return json.Marshal(s.Label)
	}
	return json.Marshal(s.Code)
}

// UnmarshalJSON accepts a number, a numeric string, or a label.
func (s *StatusCode) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var label string
		if err := json.Unmarshal(trimmed, &label); err != nil {
			return fmt.Errorf("decode status label: %w", err)
		}
		if code, err := strconv.Atoi(label); err == nil {
			*s = StatusCode{Code: code}
			return nil
		}
		*s = StatusCode{Label: label}
		return nil
	}
	var code int
	if err := json.Unmarshal(trimmed, &code); err != nil {
		return fmt.Errorf("decode status code: %w", err)
	}
	*s = StatusCode{Code: code}
	return nil
}
