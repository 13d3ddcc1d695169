package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTargetSpec     = errors.New("invalid_target_spec")
	ErrResolution            = errors.New("resolution_error")
	ErrQueryService          = errors.New("query_service_error")
	ErrDownloadCountMismatch = errors.New("download_count_mismatch")
	ErrDuplicateFilename     = errors.New("duplicate_filename")
	ErrTemplateRender        = errors.New("template_render_error")
	ErrSchedulerSubmit       = errors.New("scheduler_submit_error")
	ErrMosaicExecution       = errors.New("mosaic_execution_error")
	ErrPrecondition          = errors.New("precondition_error")
)

// Error names the failing component and the key (observation id, filename or
// path) that triggered it. errors.Is matches both Kind and the wrapped cause.
type Error struct {
	Kind      error
	Component string
	Key       string
	Err       error
}

func NewError(kind error, component, key string, err error) *Error {
	return &Error{Kind: kind, Component: component, Key: key, Err: err}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(kind error, component, key string, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Key: key, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if key := strings.TrimSpace(e.Key); key != "" {
		fmt.Fprintf(&b, " [%s]", key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
