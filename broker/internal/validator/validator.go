// Package validator enforces the universal envelope schema on message bodies.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
)

// ErrMalformed reports a body that is not a single parseable JSON value.
var ErrMalformed = errors.New("malformed JSON body")

const (
	ReasonRequired    = "is required"
	ReasonNotString   = "must be a string"
	ReasonEmpty       = "must not be empty"
	ReasonNotAnObject = "must be a JSON object"
	ReasonNUL         = "must not contain NUL characters"
)

// FieldError describes one failing envelope field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every failing field of an envelope, in schema order.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Reason
	}
	return "invalid envelope: " + strings.Join(parts, "; ")
}

// Validate checks a decoded JSON value against the envelope schema and
// returns a *ValidationError naming every failure, or nil.
func Validate(body any) error {
	obj, ok := body.(map[string]any)
	if !ok {
		return &ValidationError{Fields: []FieldError{{Field: "body", Reason: ReasonNotAnObject}}}
	}

	var fields []FieldError
	for _, name := range []string{"source", "topic"} {
		if reason := requiredString(obj, name); reason != "" {
			fields = append(fields, FieldError{Field: name, Reason: reason})
		}
	}
	if v, present := obj["ref"]; present {
		if _, isString := v.(string); !isString {
			fields = append(fields, FieldError{Field: "ref", Reason: ReasonNotString})
		}
	}
	// Stored bodies are JSONB, which cannot represent U+0000.
	if containsNUL(obj) {
		fields = append(fields, FieldError{Field: "body", Reason: ReasonNUL})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func containsNUL(v any) bool {
	switch v := v.(type) {
	case string:
		return strings.IndexByte(v, 0) >= 0
	case map[string]any:
		for k, child := range v {
			if strings.IndexByte(k, 0) >= 0 || containsNUL(child) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if containsNUL(child) {
				return true
			}
		}
	}
	return false
}

func requiredString(obj map[string]any, name string) string {
	v, present := obj[name]
	if !present {
		return ReasonRequired
	}
	s, isString := v.(string)
	if !isString {
		return ReasonNotString
	}
	if s == "" {
		return ReasonEmpty
	}
	return ""
}

// Decode parses raw as exactly one UTF-8 encoded JSON value. Numbers are kept as json.Number
// so stored payloads do not lose precision.
func Decode(raw []byte) (any, error) {
	// encoding/json silently replaces invalid bytes with U+FFFD.
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected data after JSON value", ErrMalformed)
	}
	return v, nil
}

// ParseEnvelope decodes and validates raw, returning the typed envelope and a
// compacted copy of the body exactly as it will be stored.
func ParseEnvelope(raw []byte) (models.Envelope, json.RawMessage, error) {
	v, err := Decode(raw)
	if err != nil {
		return models.Envelope{}, nil, err
	}
	if err := Validate(v); err != nil {
		return models.Envelope{}, nil, err
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return models.Envelope{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env models.Envelope
	if err := json.Unmarshal(compacted.Bytes(), &env); err != nil {
		return models.Envelope{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, json.RawMessage(compacted.Bytes()), nil
}
