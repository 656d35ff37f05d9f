package mapper

import "fmt"

// ValidationError reports a provider record that lacks a key required to map it.
type ValidationError struct {
	Record string
	Field  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %q is missing required field %q", e.Record, e.Field)
}

// Require returns a ValidationError when value is empty.
func Require(record, field, value string) error {
	if value == "" {
		return &ValidationError{Record: record, Field: field}
	}
	return nil
}
