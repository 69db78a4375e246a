package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"texrender/internal/ports"
)

func TestPutGetDelete(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	ctx := context.Background()

	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
	out, err := l.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   "renders/job_1/output.png",
		ContentType: "image/png",
		Reader:      strings.NewReader(png),
	})
	if err != nil {
		t.Fatalf("PutObject() error: %v", err)
	}
	if out.Size != int64(len(png)) {
		t.Errorf("size = %d, want %d", out.Size, len(png))
	}

	rc, ct, size, err := l.GetObject(ctx, out.ObjectKey)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != png || ct != "image/png" || size != int64(len(png)) {
		t.Errorf("got %q %s %d", body, ct, size)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "renders", "job_1"))
	if len(entries) != 1 {
		t.Errorf("expected no temp files left, got %d entries", len(entries))
	}

	if err := l.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := l.GetObject(ctx, out.ObjectKey); !os.IsNotExist(err) {
		t.Errorf("expected not exist after delete, got %v", err)
	}
}

func TestSVGContentType(t *testing.T) {
	l := New(t.TempDir())
	svg := `<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"></svg>`
	if _, err := l.PutObject(context.Background(), ports.PutObjectInput{ObjectKey: "a.svg", Reader: strings.NewReader(svg)}); err != nil {
		t.Fatal(err)
	}
	rc, ct, _, err := l.GetObject(context.Background(), "a.svg")
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()
	if ct != "image/svg+xml" {
		t.Errorf("content type = %s", ct)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	l := New(t.TempDir())
	for _, key := range []string{"", "../x", "a/../../x", "/etc/passwd"} {
		t.Run(key, func(t *testing.T) {
			_, err := l.PutObject(context.Background(), ports.PutObjectInput{ObjectKey: key, Reader: strings.NewReader("x")})
			if err == nil {
				t.Errorf("expected %q to be rejected", key)
			}
		})
	}
}
