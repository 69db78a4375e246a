package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"texrender/internal/app"
	"texrender/internal/client"
	"texrender/internal/config"
	"texrender/internal/pkg/errors"
	"texrender/internal/rasterizer"
	"texrender/internal/render"
)

type renderOpts struct {
	format     string
	density    int
	background string
	maxWidth   int
	maxHeight  int
	templateID string
	output     string
	remote     string
	verbose    bool
}

func newRenderCmd() *cobra.Command {
	var opts renderOpts

	cmd := &cobra.Command{
		Use:   "render [file|-]",
		Short: "Render a TikZ/LaTeX snippet to png, svg or pdf",
		Long: `Render reads a snippet from a file (or stdin with "-") and writes the
image to --output. By default the toolchain runs locally with the service
configuration; --remote sends the snippet to a running API instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			req := render.Request{
				Source:     src,
				Format:     rasterizer.Format(strings.ToLower(opts.format)),
				Density:    opts.density,
				Background: opts.background,
				MaxWidth:   opts.maxWidth,
				MaxHeight:  opts.maxHeight,
				TemplateID: opts.templateID,
			}
			return runRender(cmd.Context(), cmd.OutOrStdout(), req, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.format, "format", "f", "png", "output format: png, svg or pdf")
	f.IntVarP(&opts.density, "density", "d", 0, "rasterization density in DPI (service default when 0)")
	f.StringVar(&opts.background, "background", "", "background color name or #hex")
	f.IntVar(&opts.maxWidth, "max-width", 0, "bound the PNG width in pixels")
	f.IntVar(&opts.maxHeight, "max-height", 0, "bound the PNG height in pixels")
	f.StringVar(&opts.templateID, "template", "", "stored template ID to use as preamble")
	f.StringVarP(&opts.output, "output", "o", "", "output file (default output.<format>, - for stdout)")
	f.StringVar(&opts.remote, "remote", "", "base URL of a texrender API")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runRender(ctx context.Context, stdout io.Writer, req render.Request, opts renderOpts) error {
	var (
		res *render.Result
		err error
	)
	if opts.remote != "" {
		res, err = client.New(opts.remote).Render(ctx, req)
	} else {
		res, err = renderLocal(ctx, req, opts.verbose)
	}
	if err != nil {
		return describe(err)
	}

	out := opts.output
	if out == "" {
		out = "output" + res.Format.Ext()
	}
	if out == "-" {
		_, err := stdout.Write(res.Data)
		return err
	}
	if err := os.WriteFile(out, res.Data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes, %s)\n", out, len(res.Data), res.ContentType)
	return nil
}

func renderLocal(ctx context.Context, req render.Request, verbose bool) (*render.Result, error) {
	cfg, log, err := loadConfig(verbose)
	if err != nil {
		return nil, err
	}

	var templates render.TemplateSource
	if req.TemplateID != "" {
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("--template needs DATABASE_URL")
		}
		b, err := app.OpenBackends(ctx, withDatabaseOnly(cfg), log)
		if err != nil {
			return nil, err
		}
		defer b.Close()
		templates = b.TemplateSource()
	}

	stack, err := app.NewRenderStack(ctx, cfg, templates, log)
	if err != nil {
		return nil, err
	}
	defer stack.Close()

	if h := stack.Service.HealthCheck(ctx); !h.OK() {
		log.Warn("render service degraded", "reasons", h.Reasons)
	}
	return stack.Service.Render(ctx, req)
}

// withDatabaseOnly keeps the CLI from touching Redis or storage.
func withDatabaseOnly(cfg config.Config) config.Config {
	cfg.Redis.Addr = ""
	cfg.Database.AutoMigrate = false
	return cfg
}

func readSource(arg string, stdin io.Reader) (string, error) {
	var (
		b   []byte
		err error
	)
	if arg == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// describe appends the compiler diagnostic, when there is one, to err.
func describe(err error) error {
	fields := errors.GetFields(err)
	if d, ok := fields["diagnostic"].(string); ok && d != "" {
		return fmt.Errorf("%w\n\n%s", err, d)
	}
	return err
}
