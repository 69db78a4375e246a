package render

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"texrender/internal/pkg/errors"
	"texrender/internal/rasterizer"
)

// Request is one render request. The zero values of Format, Density and
// Background mean png, the configured default density and white.
type Request struct {
	Source     string            `json:"source" validate:"required"`
	Format     rasterizer.Format `json:"format,omitempty" validate:"omitempty,oneof=png svg pdf"`
	Density    int               `json:"density,omitempty" validate:"omitempty,min=1,max=2400"`
	Background string            `json:"background,omitempty" validate:"omitempty,bgcolor"`
	MaxWidth   int               `json:"max_width,omitempty" validate:"omitempty,min=1,max=20000"`
	MaxHeight  int               `json:"max_height,omitempty" validate:"omitempty,min=1,max=20000"`
	TemplateID string            `json:"template_id,omitempty" validate:"omitempty,uuid"`
}

// rasterOptions maps a normalized request onto rasterizer options.
func (r Request) rasterOptions() rasterizer.Options {
	return rasterizer.Options{
		Format:     r.Format,
		Density:    r.Density,
		Background: r.Background,
		MaxWidth:   r.MaxWidth,
		MaxHeight:  r.MaxHeight,
	}
}

// bgcolorRe accepts colour names and #rgb, #rrggbb or #rrggbbaa. Anything
// else, in particular values starting with '-' or '@', never reaches convert.
var bgcolorRe = regexp.MustCompile(`^(?:[A-Za-z]{1,32}|#(?:[0-9A-Fa-f]{3}|[0-9A-Fa-f]{6}|[0-9A-Fa-f]{8}))$`)

// Validator checks requests with go-playground/validator and reports
// failures by JSON field name.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("bgcolor", func(fl validator.FieldLevel) bool {
		return bgcolorRe.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Struct validates any tagged struct and returns a VALIDATION_ERROR.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(err, "render.validate", "validation failed")
	}

	fields := make(map[string]any, len(verrs))
	var first string
	for _, fe := range verrs {
		msg := fieldMessage(fe)
		fields[fe.Field()] = msg
		if first == "" {
			first = fmt.Sprintf("%s %s", fe.Field(), msg)
		}
	}
	return errors.Validation(first).
		WithField("kind", "ValidationError").
		WithField("fields", fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "uuid":
		return "must be a UUID"
	case "bgcolor":
		return "must be a colour name, transparent, or #hex"
	default:
		return "is invalid"
	}
}
