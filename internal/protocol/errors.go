package protocol

import (
	"fmt"
	"strings"
)

type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// ValidationError reports a request rejected before it reached the engine.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ProtocolError is an engine line the translator could not make sense of.
// Raw holds the offending line for diagnostics.
type ProtocolError struct {
	ID     string
	Raw    []byte
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "malformed engine response"
	if e.ID != "" {
		msg += " for id " + e.ID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RequestID lets the router hand the error to the caller owning ID.
func (e *ProtocolError) RequestID() string {
	return e.ID
}

func protocolErr(id string, raw []byte, err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		ID:     id,
		Raw:    append([]byte(nil), raw...),
		Reason: fmt.Sprintf(format, args...),
		Err:    err,
	}
}

// EngineError is a well-formed response in which the engine refused the
// command, for example an illegal move in the query.
type EngineError struct {
	ID      string
	Message string
	Field   string
}

func (e *EngineError) Error() string {
	if e.ID == "" {
		return "engine rejected a query without id: " + e.Message
	}
	if e.Field != "" {
		return fmt.Sprintf("engine rejected %s: %s (field %s)", e.ID, e.Message, e.Field)
	}
	return fmt.Sprintf("engine rejected %s: %s", e.ID, e.Message)
}

// Warning is a non-final engine line reporting a problem with the query, the
// engine still answers it.
type Warning struct {
	ID      string
	Message string
	Field   string
}

func (e *Warning) Error() string {
	return fmt.Sprintf("engine warning for %s: %s (field %s)", e.ID, e.Message, e.Field)
}
