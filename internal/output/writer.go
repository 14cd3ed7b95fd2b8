// Package output defines the writer contract every sink implements, the
// pooled writer that network sinks build on, and the settings plumbing used
// to construct writers from configuration.
package output

import (
	"fmt"

	"github.com/nmslite/nmstrans/internal/model"
)

// Writer receives result batches. Start and Stop are idempotent;
// ValidateSetup must not contact the sink.
type Writer = model.OutputWriter

// Named is implemented by writers that carry a configured name.
type Named interface {
	Name() string
}

// NameOf returns the writer's configured name, or its type when it has none.
func NameOf(w Writer) string {
	if n, ok := w.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", w)
}

// ValidationError reports that a writer cannot serve a server/query pair.
type ValidationError struct {
	Writer string
	Server string
	Query  string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("writer %s cannot serve %s %s: %v", e.Writer, e.Server, e.Query, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError for w.
func NewValidationError(w Writer, server *model.Server, query *model.Query, err error) *ValidationError {
	ve := &ValidationError{Writer: NameOf(w), Err: err}
	if server != nil {
		ve.Server = server.String()
	}
	if query != nil {
		ve.Query = query.String()
	}
	return ve
}

// WriteError reports a failed or panicking Write. CorrelationID is set when
// the writer panicked so the log entry carrying the stack can be found.
type WriteError struct {
	Writer        string
	Server        string
	Query         string
	CorrelationID string
	Err           error
}

func (e *WriteError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("writer %s failed for %s %s [%s]: %v", e.Writer, e.Server, e.Query, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("writer %s failed for %s %s: %v", e.Writer, e.Server, e.Query, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
