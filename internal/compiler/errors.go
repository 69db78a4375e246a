package compiler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a compilation failure.
type Kind string

const (
	KindTimeout        Kind = "Timeout"
	KindSyntax         Kind = "SyntaxError"
	KindMissingPackage Kind = "MissingPackage"
	KindProcessFailure Kind = "ProcessFailure"
)

// Error is returned by Compile for every failure.
type Error struct {
	Kind Kind
	// Message is the first TeX error line, or a short description.
	Message string
	// Log is a bounded tail of the engine log.
	Log string
	// Line is the source line of the first error, 0 when unknown.
	Line int
	// Package is the missing file for KindMissingPackage.
	Package string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("compile %s", e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

var (
	missingFileRe = regexp.MustCompile("LaTeX Error: File `([^']+)' not found")
	// "! Undefined control sequence." or, with -file-line-error,
	// "./main.tex:5: Undefined control sequence."
	errorLineRe = regexp.MustCompile(`(?m)^(?:! |(?:\./)?[^\s:]+\.tex:(\d+): )(.+)$`)
	lineNumRe   = regexp.MustCompile(`(?m)^l\.(\d+) `)
)

// classifyLog inspects the engine log of a failed run.
func classifyLog(log string) *Error {
	if m := missingFileRe.FindStringSubmatch(log); m != nil {
		return &Error{
			Kind:    KindMissingPackage,
			Package: m[1],
			Message: fmt.Sprintf("file %s not found", m[1]),
			Line:    firstLine(log),
		}
	}
	if m := errorLineRe.FindStringSubmatch(log); m != nil {
		return &Error{
			Kind:    KindSyntax,
			Message: strings.TrimSpace(m[2]),
			Line:    firstLine(log),
		}
	}
	return nil
}

func firstLine(log string) int {
	if m := errorLineRe.FindStringSubmatch(log); m != nil && m[1] != "" {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := lineNumRe.FindStringSubmatch(log); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// tail returns at most n bytes from the end of s, starting at a line boundary
// when one is available.
func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
