package output

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nmslite/nmstrans/internal/metrics"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Spec is everything a factory needs to build one named writer.
type Spec struct {
	Name     string
	Type     string
	Settings yaml.Node

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Decode unmarshals the writer's settings into v and validates the result.
// A missing settings block decodes to v's zero value.
func (s Spec) Decode(v any) error {
	if s.Settings.Kind != 0 {
		if err := s.Settings.Decode(v); err != nil {
			return fmt.Errorf("writer %s: invalid settings: %w", s.Name, err)
		}
	}
	if err := ValidateStruct(v); err != nil {
		return fmt.Errorf("writer %s: %w", s.Name, err)
	}
	return nil
}

// Log returns the spec's logger scoped to the writer.
func (s Spec) Log() *slog.Logger {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "writer", "writer", s.Name, "type", s.Type)
}

// Factory builds a writer from its spec.
type Factory func(spec Spec) (Writer, error)

// FieldError is one failed settings field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// SettingsError holds every field that failed validation.
type SettingsError struct {
	Errors []FieldError `json:"errors"`
}

func (e *SettingsError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		messages[i] = fe.Message
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// ValidateStruct runs the struct's validate tags and, when present, its own
// Validate method.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		se := &SettingsError{}
		for _, fe := range verrs {
			se.Errors = append(se.Errors, FieldError{
				Field:   fe.Field(),
				Message: formatValidationMessage(fe),
			})
		}
		return se
	}

	if c, ok := v.(interface{ Validate() error }); ok {
		if err := c.Validate(); err != nil {
			return &SettingsError{Errors: []FieldError{{Field: "_custom", Message: err.Error()}}}
		}
	}
	return nil
}

func formatValidationMessage(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
