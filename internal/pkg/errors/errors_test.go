package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CodeValidation, "invalid input")

	if err.Code != CodeValidation {
		t.Errorf("expected code=%s, got %s", CodeValidation, err.Code)
	}
	if err.Message != "invalid input" {
		t.Errorf("expected message='invalid input', got %s", err.Message)
	}
	if len(err.Stack) == 0 {
		t.Error("expected stack trace to be captured")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "simple error",
			err:      New(CodeValidation, "invalid"),
			contains: []string{"VALIDATION_ERROR", "invalid"},
		},
		{
			name: "error with op",
			err: &Error{
				Code:    CodeCompile,
				Message: "compilation failed",
				Op:      "render.compile",
			},
			contains: []string{"render.compile", "COMPILE_ERROR", "compilation failed"},
		},
		{
			name: "error with underlying",
			err: &Error{
				Code:    CodeInternal,
				Message: "wrapper",
				Err:     fmt.Errorf("underlying error"),
			},
			contains: []string{"wrapper", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			str := tt.err.Error()
			for _, c := range tt.contains {
				if !strings.Contains(str, c) {
					t.Errorf("expected error string to contain %q, got: %s", c, str)
				}
			}
		})
	}
}

func TestWrap(t *testing.T) {
	original := fmt.Errorf("original error")
	wrapped := Wrap(original, "workspace.acquire", "mkdir failed")

	if wrapped == nil {
		t.Fatal("expected wrapped error to be non-nil")
	}
	if wrapped.Code != CodeInternal {
		t.Errorf("expected code=%s, got %s", CodeInternal, wrapped.Code)
	}
	if wrapped.Op != "workspace.acquire" {
		t.Errorf("expected op='workspace.acquire', got %s", wrapped.Op)
	}
	if errors.Unwrap(wrapped) != original {
		t.Error("Unwrap should return original error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "op", "message") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if WrapWithCode(nil, CodeTimeout, "op", "message") != nil {
		t.Error("WrapWithCode(nil) should return nil")
	}
}

func TestWrapPreservesCodeAndFields(t *testing.T) {
	original := New(CodeBusy, "full").WithField("limit", 4)
	wrapped := Wrap(original, "handler", "handler failed")

	if wrapped.Code != CodeBusy {
		t.Errorf("expected code to be preserved as %s, got %s", CodeBusy, wrapped.Code)
	}
	if wrapped.Fields["limit"] != 4 {
		t.Errorf("expected fields to be preserved, got %v", wrapped.Fields)
	}
}

func TestWithFields(t *testing.T) {
	err := New(CodeCompile, "failed").
		WithField("kind", "SyntaxError").
		WithFields(map[string]any{
			"stage":  "compiling",
			"job_id": "job_1",
		})

	if len(err.Fields) != 3 {
		t.Errorf("expected 3 fields, got %d", len(err.Fields))
	}
	if err.Fields["kind"] != "SyntaxError" {
		t.Errorf("expected kind='SyntaxError', got %v", err.Fields["kind"])
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, 400},
		{CodeBadRequest, 400},
		{CodeNotFound, 404},
		{CodeConflict, 409},
		{CodePayloadTooLarge, 413},
		{CodeCompile, 422},
		{CodeRaster, 422},
		{CodeRateLimited, 429},
		{CodeInternal, 500},
		{CodeUnavailable, 503},
		{CodeBusy, 503},
		{CodeTimeout, 504},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			if err.HTTPStatus() != tt.status {
				t.Errorf("expected status=%d, got %d", tt.status, err.HTTPStatus())
			}
		})
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		err := NotFound("template", "tpl_1")
		if err.Code != CodeNotFound {
			t.Errorf("expected code=%s, got %s", CodeNotFound, err.Code)
		}
		if err.Fields["resource"] != "template" || err.Fields["id"] != "tpl_1" {
			t.Errorf("unexpected fields: %v", err.Fields)
		}
	})

	t.Run("ValidationField", func(t *testing.T) {
		err := ValidationField("format", "unsupported format")
		if err.Code != CodeValidation {
			t.Errorf("expected code=%s, got %s", CodeValidation, err.Code)
		}
		if err.Fields["field"] != "format" {
			t.Errorf("expected field='format', got %v", err.Fields["field"])
		}
	})

	t.Run("PayloadTooLarge", func(t *testing.T) {
		err := PayloadTooLarge("source", 2048, 1024)
		if err.Code != CodePayloadTooLarge {
			t.Errorf("expected code=%s, got %s", CodePayloadTooLarge, err.Code)
		}
		if err.Fields["limit"] != 1024 {
			t.Errorf("expected limit=1024, got %v", err.Fields["limit"])
		}
	})

	t.Run("Busy", func(t *testing.T) {
		err := Busy(8)
		if err.HTTPStatus() != 503 {
			t.Errorf("expected 503, got %d", err.HTTPStatus())
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		err := Timeout("compile")
		if err.Code != CodeTimeout {
			t.Errorf("expected code=%s, got %s", CodeTimeout, err.Code)
		}
	})

	t.Run("Unavailable", func(t *testing.T) {
		err := Unavailable("workspace")
		if err.Code != CodeUnavailable {
			t.Errorf("expected code=%s, got %s", CodeUnavailable, err.Code)
		}
	})
}

func TestGetters(t *testing.T) {
	t.Run("coded error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeRaster, "bad output").WithField("kind", "ConversionFailure"))
		if GetCode(err) != CodeRaster {
			t.Errorf("expected code=%s, got %s", CodeRaster, GetCode(err))
		}
		if GetHTTPStatus(err) != 422 {
			t.Errorf("expected 422, got %d", GetHTTPStatus(err))
		}
		if GetFields(err)["kind"] != "ConversionFailure" {
			t.Errorf("unexpected fields: %v", GetFields(err))
		}
		if GetMessage(err) != "bad output" {
			t.Errorf("expected message 'bad output', got %q", GetMessage(err))
		}
	})

	t.Run("standard error", func(t *testing.T) {
		err := fmt.Errorf("standard")
		if GetCode(err) != CodeInternal {
			t.Errorf("expected code=%s, got %s", CodeInternal, GetCode(err))
		}
		if GetHTTPStatus(err) != 500 {
			t.Errorf("expected 500, got %d", GetHTTPStatus(err))
		}
		if GetFields(err) != nil {
			t.Error("expected nil fields for standard error")
		}
		if GetMessage(err) != "standard" {
			t.Errorf("expected message 'standard', got %q", GetMessage(err))
		}
	})
}

func TestIsHelpers(t *testing.T) {
	if !IsNotFound(New(CodeNotFound, "x")) {
		t.Error("expected IsNotFound to return true")
	}
	if IsNotFound(New(CodeValidation, "x")) {
		t.Error("expected IsNotFound to return false")
	}
	if !IsValidation(New(CodeValidation, "x")) {
		t.Error("expected IsValidation to return true")
	}
	if !IsCode(Busy(1), CodeBusy) {
		t.Error("expected IsCode to match CodeBusy")
	}
}

func TestStackTrace(t *testing.T) {
	err := New(CodeInternal, "test error")

	stack := err.StackTrace()
	if !strings.Contains(stack, ".go:") {
		t.Errorf("expected stack trace to contain file references, got: %s", stack)
	}
}

func TestErrorIs(t *testing.T) {
	err1 := New(CodeTimeout, "error 1")
	err2 := New(CodeTimeout, "error 2")
	err3 := New(CodeValidation, "error 3")

	if !errors.Is(err1, err2) {
		t.Error("expected errors with same code to match with Is")
	}
	if errors.Is(err1, err3) {
		t.Error("expected errors with different codes to not match")
	}

	var target *Error
	if !As(fmt.Errorf("wrapped: %w", err1), &target) || target.Code != CodeTimeout {
		t.Error("expected As to find Error in chain")
	}
}
