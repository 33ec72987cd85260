package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why a notification failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindVertexNotFound
	KindPropertyNotFound
	KindStreamOpen
	KindTempFile
	KindAnalyzer
	KindGraphFlush
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:          "Unknown",
	KindInvalidInput:     "InvalidInput",
	KindVertexNotFound:   "VertexNotFound",
	KindPropertyNotFound: "PropertyNotFound",
	KindStreamOpen:       "StreamOpenFailure",
	KindTempFile:         "TempFileFailure",
	KindAnalyzer:         "AnalyzerFailure",
	KindGraphFlush:       "GraphFlushFailure",
	KindCancelled:        "Cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinel errors matching each Kind with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrVertexNotFound   = errors.New("vertex not found")
	ErrPropertyNotFound = errors.New("property not found")
	ErrStreamOpen       = errors.New("stream open failure")
	ErrTempFile         = errors.New("temp file failure")
	ErrAnalyzer         = errors.New("analyzer failure")
	ErrGraphFlush       = errors.New("graph flush failure")
	ErrCancelled        = errors.New("dispatch cancelled")
)

var kindSentinels = map[Kind]error{
	KindInvalidInput:     ErrInvalidInput,
	KindVertexNotFound:   ErrVertexNotFound,
	KindPropertyNotFound: ErrPropertyNotFound,
	KindStreamOpen:       ErrStreamOpen,
	KindTempFile:         ErrTempFile,
	KindAnalyzer:         ErrAnalyzer,
	KindGraphFlush:       ErrGraphFlush,
	KindCancelled:        ErrCancelled,
}

// Error wraps a dispatch failure with the notification coordinates.
type Error struct {
	Kind     Kind
	Op       string // Step that failed (e.g., "resolve", "open", "flush")
	VertexID string
	Property string // key:name of the target property, if resolved
	Err      error
}

func (e *Error) Error() string {
	target := e.VertexID
	if e.Property != "" {
		target = fmt.Sprintf("%s/%s", e.VertexID, e.Property)
	}

	if target == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("%s %s: %s: %v", e.Op, target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the error kind or matches the cause.
func (e *Error) Is(target error) bool {
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}

	return errors.Is(e.Err, target)
}

func newError(kind Kind, op, vertexID, property string, err error) *Error {
	return &Error{Kind: kind, Op: op, VertexID: vertexID, Property: property, Err: err}
}

// KindOf classifies err. Context cancellation is reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	return KindUnknown
}
