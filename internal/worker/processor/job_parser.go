package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"texrender/internal/render"
)

// ParseRequest decodes a stored request_json. Unknown fields are rejected so
// a job written by a newer API fails loudly instead of rendering the wrong
// thing.
func ParseRequest(raw []byte) (render.Request, error) {
	var req render.Request
	if len(bytes.TrimSpace(raw)) == 0 {
		return req, fmt.Errorf("empty request_json")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request_json: %w", err)
	}
	if strings.TrimSpace(req.Source) == "" {
		return req, fmt.Errorf("request_json: source is required")
	}
	return req, nil
}
