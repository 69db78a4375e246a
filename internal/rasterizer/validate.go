package rasterizer

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"regexp"

	"github.com/gabriel-vasile/mimetype"
)

var (
	pdfHeaderRe = regexp.MustCompile(`^%PDF-1\.[0-9]`)
	pageRe      = regexp.MustCompile(`/Type\s*/Page\b`)
	activeRe    = regexp.MustCompile(`/(JavaScript|JS|Launch|EmbeddedFile|RichMedia)\b`)
	streamRe    = regexp.MustCompile(`>>\s*stream\r?\n`)
	objStmRe    = regexp.MustCompile(`/Type\s*/ObjStm\b`)
)

const eofWindow = 1024

// PDFInfo is what validation learned about a document.
type PDFInfo struct {
	Pages int
}

// ValidatePDF checks that pdf looks like a single well-formed PDF with a sane
// page count and no active content, before any converter reads it. Only
// object syntax is inspected: stream bodies are skipped, except object
// streams, which are inflated (up to inflateLimit bytes in total) because
// pdfTeX compresses page and catalog dictionaries into them. Page content
// and font programs never reach the checks, so drawn text cannot trip them.
func ValidatePDF(pdf []byte, maxBytes int64, maxPages int) (PDFInfo, error) {
	var info PDFInfo

	if len(pdf) == 0 {
		return info, fmt.Errorf("pdf is empty")
	}
	if maxBytes > 0 && int64(len(pdf)) > maxBytes {
		return info, fmt.Errorf("pdf is %d bytes, limit %d", len(pdf), maxBytes)
	}
	if !mimetype.Detect(pdf).Is("application/pdf") {
		return info, fmt.Errorf("input is not a pdf")
	}
	if !pdfHeaderRe.Match(pdf) {
		return info, fmt.Errorf("missing %%PDF-1.x header")
	}
	trailer := pdf
	if len(trailer) > eofWindow {
		trailer = trailer[len(trailer)-eofWindow:]
	}
	if !bytes.Contains(trailer, []byte("%%EOF")) {
		return info, fmt.Errorf("missing %%%%EOF trailer")
	}

	inflateLimit := 4 * int64(len(pdf))
	if maxBytes > 0 {
		inflateLimit = 4 * maxBytes
	}

	pages := 0
	var active string
	scan := func(b []byte) {
		pages += len(pageRe.FindAll(b, -1))
		if active == "" {
			if m := activeRe.FindSubmatch(b); m != nil {
				active = string(m[1])
			}
		}
	}

	objects, objStreams := splitStreams(pdf)
	scan(objects)
	for _, s := range inflateAll(objStreams, inflateLimit) {
		scan(s)
	}

	if active != "" {
		return info, fmt.Errorf("pdf contains active content (/%s)", active)
	}
	if pages < 1 {
		return info, fmt.Errorf("pdf has no pages")
	}
	if maxPages > 0 && pages > maxPages {
		return info, fmt.Errorf("pdf has %d pages, limit %d", pages, maxPages)
	}

	info.Pages = pages
	return info, nil
}

// splitStreams separates pdf into its object syntax, with every stream body
// cut out, and the raw bodies of its /Type /ObjStm streams.
func splitStreams(pdf []byte) (objects []byte, objStreams [][]byte) {
	objects = make([]byte, 0, len(pdf))
	pos := 0

	for _, loc := range streamRe.FindAllIndex(pdf, -1) {
		if loc[0] < pos {
			// Matched inside a body already skipped.
			continue
		}
		head := pdf[pos:loc[1]]
		objects = append(objects, head...)

		dict := head
		if i := bytes.LastIndex(head, []byte(" obj")); i >= 0 {
			dict = head[i:]
		}

		body := pdf[loc[1]:]
		end := bytes.Index(body, []byte("endstream"))
		if end < 0 {
			pos = len(pdf)
			break
		}
		if objStmRe.Match(dict) {
			objStreams = append(objStreams, body[:end])
		}
		pos = loc[1] + end + len("endstream")
	}
	if pos < len(pdf) {
		objects = append(objects, pdf[pos:]...)
	}
	return objects, objStreams
}

// inflateAll returns the zlib-decoded streams that decode cleanly, stopping
// once limit bytes have been produced.
func inflateAll(streams [][]byte, limit int64) [][]byte {
	var out [][]byte
	var total int64

	for _, body := range streams {
		if total >= limit {
			break
		}
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			continue
		}
		b, _ := io.ReadAll(io.LimitReader(zr, limit-total))
		_ = zr.Close()
		if len(b) == 0 {
			continue
		}
		total += int64(len(b))
		out = append(out, b)
	}
	return out
}
