package rasterizer

import "fmt"

// Kind classifies a rasterization failure.
type Kind string

const (
	KindTimeout           Kind = "Timeout"
	KindUnsupportedFormat Kind = "UnsupportedFormat"
	KindConversionFailure Kind = "ConversionFailure"
)

// Error is returned by Rasterize for every failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rasterize %s", e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
