package internal

import (
	"errors"
	"fmt"
)

// RulesError reports an invalid rule definition.
type RulesError struct {
	Index  int
	Reason string
	Err    error
}

func (e *RulesError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule #%d: %s: %v", e.Index, e.Reason, e.Err)
	}
	return fmt.Sprintf("rule #%d: %s", e.Index, e.Reason)
}

func (e *RulesError) Unwrap() error {
	return e.Err
}

// MalformedEventError reports a push payload that cannot be processed.
type MalformedEventError struct {
	Field string
	Err   error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed push event: %v", e.Err)
	}
	return fmt.Sprintf("malformed push event: missing %s", e.Field)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying the event can never succeed.
func IsPermanent(err error) bool {
	var malformed *MalformedEventError
	var rules *RulesError
	return errors.As(err, &malformed) || errors.As(err, &rules)
}
