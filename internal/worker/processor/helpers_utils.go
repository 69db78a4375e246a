package processor

import (
	"path"
	"unicode/utf8"

	"texrender/internal/rasterizer"
)

// ArtifactKey is the object key for a job's output, e.g. renders/<id>/output.png.
func ArtifactKey(prefix, jobID string, f rasterizer.Format) string {
	return path.Join(prefix, jobID, "output"+f.Ext())
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
