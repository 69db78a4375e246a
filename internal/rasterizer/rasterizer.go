// Package rasterizer converts a compiled PDF into the requested output
// format inside the job workspace.
package rasterizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"texrender/internal/pkg/logger"
	"texrender/internal/sandbox"
	"texrender/internal/workspace"
)

// Format is an output format.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
	FormatPDF Format = "pdf"
)

// ParseFormat accepts png, svg and pdf in any case.
func ParseFormat(s string) (Format, bool) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPNG, FormatSVG, FormatPDF:
		return f, true
	}
	return "", false
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatSVG:
		return "image/svg+xml"
	case FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// Ext is the file extension for the format, with the dot.
func (f Format) Ext() string {
	if f == "" {
		return ".png"
	}
	return "." + string(f)
}

// Options select what Rasterize produces.
type Options struct {
	Format  Format
	Density int
	// Background is "white", "transparent" or any colour ImageMagick accepts.
	// It applies to PNG output only.
	Background string
	MaxWidth   int
	MaxHeight  int
}

// Config holds the converter binaries and limits.
type Config struct {
	ConvertBin        string
	DvisvgmBin        string
	MaxPDFBytes       int64
	MaxPages          int
	MaxImageBytes     int64
	MaxWorkspaceBytes int64
	MaxOutputBytes    int
	// MagickMemory and MagickDisk are passed to convert -limit.
	MagickMemory string
	MagickDisk   string
}

func (c *Config) setDefaults() {
	if c.ConvertBin == "" {
		c.ConvertBin = "convert"
	}
	if c.DvisvgmBin == "" {
		c.DvisvgmBin = "dvisvgm"
	}
	if c.MaxPDFBytes <= 0 {
		c.MaxPDFBytes = 16 << 20
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 64 << 20
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 16 << 10
	}
	if c.MagickMemory == "" {
		c.MagickMemory = "256MiB"
	}
	if c.MagickDisk == "" {
		c.MagickDisk = "512MiB"
	}
}

// Rasterizer runs ImageMagick and dvisvgm through a sandbox.Runner.
type Rasterizer struct {
	runner sandbox.Runner
	cfg    Config
	log    *logger.Logger
}

func New(runner sandbox.Runner, cfg Config, log *logger.Logger) *Rasterizer {
	cfg.setDefaults()
	return &Rasterizer{
		runner: runner,
		cfg:    cfg,
		log:    log.WithComponent("rasterizer"),
	}
}

// Binaries lists the converters this rasterizer may run. PNG output needs
// the required ones; only SVG output needs the optional ones.
func (r *Rasterizer) Binaries() (required, optional []string) {
	return []string{r.cfg.ConvertBin}, []string{r.cfg.DvisvgmBin}
}

const (
	inFile = "in.pdf"
	pngOut = "out.png"
	svgOut = "out.svg"
)

// Rasterize validates pdf and converts it to opts.Format. Every failure is a *Error.
func (r *Rasterizer) Rasterize(ctx context.Context, pdf []byte, opts Options, ws *workspace.Workspace) ([]byte, error) {
	if _, ok := ParseFormat(string(opts.Format)); !ok {
		return nil, &Error{Kind: KindUnsupportedFormat, Detail: fmt.Sprintf("format %q is not one of png, svg, pdf", opts.Format)}
	}

	info, err := ValidatePDF(pdf, r.cfg.MaxPDFBytes, r.cfg.MaxPages)
	if err != nil {
		return nil, &Error{Kind: KindConversionFailure, Detail: "rejected input: " + err.Error(), Err: err}
	}

	if opts.Format == FormatPDF {
		return pdf, nil
	}

	if err := os.WriteFile(ws.File(inFile), pdf, 0o600); err != nil {
		return nil, &Error{Kind: KindConversionFailure, Detail: "cannot stage pdf", Err: err}
	}

	var (
		out     []byte
		outName string
		cmd     sandbox.Command
	)
	switch opts.Format {
	case FormatPNG:
		outName = pngOut
		cmd = r.pngCommand(opts)
	case FormatSVG:
		outName = svgOut
		cmd = r.svgCommand()
	}
	cmd.Dir = ws.Path
	cmd.Env = []string{
		"HOME=" + sandbox.Workdir(r.runner, ws.Path),
		"MAGICK_TMPDIR=" + sandbox.Workdir(r.runner, ws.Path),
		"LC_ALL=C",
	}
	cmd.MaxOutputBytes = r.cfg.MaxOutputBytes
	cmd.MaxSize = r.cfg.MaxWorkspaceBytes
	cmd.WatchSize = ws.Size

	start := time.Now()
	res, runErr := r.runner.Run(ctx, cmd)
	r.log.Debug("converter finished",
		"cmd", cmd.Name,
		"format", string(opts.Format),
		"pages", info.Pages,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if runErr != nil {
		return nil, classify(runErr, res)
	}

	out, err = readBounded(ws.File(outName), r.cfg.MaxImageBytes)
	if err != nil {
		return nil, &Error{Kind: KindConversionFailure, Detail: "converter produced no usable output", Err: err}
	}
	if err := checkFormat(out, opts.Format); err != nil {
		return nil, &Error{Kind: KindConversionFailure, Detail: err.Error(), Err: err}
	}

	if opts.Format == FormatPNG && (opts.MaxWidth > 0 || opts.MaxHeight > 0) {
		out, err = fitPNG(out, opts.MaxWidth, opts.MaxHeight)
		if err != nil {
			return nil, &Error{Kind: KindConversionFailure, Detail: "resize failed", Err: err}
		}
	}
	return out, nil
}

func (r *Rasterizer) pngCommand(opts Options) sandbox.Command {
	bg := opts.Background
	alpha := "remove"
	switch strings.ToLower(bg) {
	case "", "white":
		bg = "white"
	case "transparent", "none":
		bg = "none"
		alpha = "on"
	}
	density := opts.Density
	if density <= 0 {
		density = 300
	}
	return sandbox.Command{
		Name: r.cfg.ConvertBin,
		Args: []string{
			"-limit", "memory", r.cfg.MagickMemory,
			"-limit", "disk", r.cfg.MagickDisk,
			"-density", strconv.Itoa(density),
			"-background", bg,
			"pdf:" + inFile,
			"-alpha", alpha,
			"-quality", "100",
			"-append",
			"png:" + pngOut,
		},
	}
}

func (r *Rasterizer) svgCommand() sandbox.Command {
	return sandbox.Command{
		Name: r.cfg.DvisvgmBin,
		Args: []string{
			"--pdf",
			"--page=1",
			"--no-fonts",
			"--exact-bbox",
			"-o", svgOut,
			inFile,
		},
	}
}

func classify(runErr error, res *sandbox.Result) *Error {
	detail := strings.TrimSpace(string(res.Output()))
	if len(detail) > 1024 {
		detail = detail[len(detail)-1024:]
	}
	switch {
	case errors.Is(runErr, sandbox.ErrDeadline):
		return &Error{Kind: KindTimeout, Detail: "conversion exceeded its deadline", Err: runErr}
	case errors.Is(runErr, sandbox.ErrNotFound):
		return &Error{Kind: KindConversionFailure, Detail: "converter not available", Err: runErr}
	case errors.Is(runErr, sandbox.ErrSizeLimit):
		return &Error{Kind: KindConversionFailure, Detail: "conversion output exceeded the workspace limit", Err: runErr}
	}
	if detail == "" {
		detail = "converter failed"
	}
	return &Error{Kind: KindConversionFailure, Detail: detail, Err: runErr}
}

// checkFormat confirms the converter wrote what was asked for.
func checkFormat(b []byte, f Format) error {
	mt := mimetype.Detect(b)
	if !mt.Is(f.ContentType()) {
		return fmt.Errorf("converter output is %s, want %s", mt.String(), f.ContentType())
	}
	return nil
}

// fitPNG scales img down to fit within maxW x maxH, keeping the aspect ratio.
// A zero bound leaves that dimension unconstrained. Smaller images are
// returned unchanged.
func fitPNG(b []byte, maxW, maxH int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxW <= 0 {
		maxW = w
	}
	if maxH <= 0 {
		maxH = h
	}
	if w <= maxW && h <= maxH {
		return b, nil
	}

	fitted := imaging.Fit(img, maxW, maxH, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readBounded(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("output exceeds %d bytes", limit)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("output is empty")
	}
	return b, nil
}
