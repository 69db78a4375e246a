package models

import "time"

// Template is a stored LaTeX preamble that render requests can reference by
// ID instead of sending a full document.
type Template struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Preamble    string     `json:"preamble,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}
