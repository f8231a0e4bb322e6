package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// Error is the structured failure payload recorded against a step or task.
// It is a data object first and an error second: executors produce Go errors,
// the engine captures them as Error values for persistence and diagnostics.
type Error struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code, Details: details}
}

// Clone returns a deep copy of the error. A nil error clones to nil.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	if e.Details != nil {
		if details, ok := deepcopy.Copy(e.Details).(map[string]any); ok {
			c.Details = details
		}
	}
	return &c
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}
