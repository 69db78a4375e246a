package render

import (
	"testing"

	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
)

func TestValidatorBackground(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		bg   string
		want bool
	}{
		{"white", true},
		{"transparent", true},
		{"#fff", true},
		{"#A0B1C2", true},
		{"#a0b1c2ff", true},
		{"#abcd", false},
		{"-write", false},
		{"@/etc/passwd", false},
		{"rgb(0,0,0)", false},
		{"white;rm", false},
	}

	for _, tt := range tests {
		t.Run(tt.bg, func(t *testing.T) {
			err := v.Struct(Request{Source: "x", Background: tt.bg})
			if (err == nil) != tt.want {
				t.Errorf("background %q: err = %v, want valid=%v", tt.bg, err, tt.want)
			}
		})
	}
}

func TestValidatorReportsJSONField(t *testing.T) {
	err := NewValidator().Struct(Request{Source: "x", MaxWidth: -1})
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields, _ := errors.GetFields(err)["fields"].(map[string]any)
	if _, ok := fields["max_width"]; !ok {
		t.Errorf("expected max_width in fields, got %v", fields)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	svc := NewService(Deps{}, Config{DefaultDensity: 150, MaxSourceBytes: 100}, logger.NewNop())
	req, err := svc.Normalize(Request{Source: "x", Format: "PDF"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Format != "pdf" || req.Density != 150 || req.Background != "white" {
		t.Errorf("unexpected normalized request %+v", req)
	}
}
