package compiler

import "strings"

// DefaultPreamble is used for snippets that bring no \documentclass of their own.
const DefaultPreamble = `\documentclass[border=2pt]{standalone}
\usepackage{tikz}
\usepackage{amsmath}
\usepackage{amsfonts}
\usepackage{amssymb}
\usetikzlibrary{arrows,decorations.pathmorphing,backgrounds,positioning,fit,petri,calc,patterns,shapes,plotmarks}`

const standaloneClass = `\documentclass[border=2pt]{standalone}`

// IsFullDocument reports whether source is a complete LaTeX document.
func IsFullDocument(source string) bool {
	return strings.Contains(source, `\documentclass`)
}

// BuildDocument returns the text written to main.tex.
//
// A full document is used as is. Anything else is placed in a document body
// under preamble (DefaultPreamble when empty), and wrapped in a tikzpicture
// unless it already opens one. A preamble without \documentclass gets the
// standalone class prepended.
func BuildDocument(source, preamble string) string {
	if IsFullDocument(source) {
		return source
	}

	preamble = strings.TrimSpace(preamble)
	if preamble == "" {
		preamble = DefaultPreamble
	} else if !strings.Contains(preamble, `\documentclass`) {
		preamble = standaloneClass + "\n" + preamble
	}

	body := strings.TrimSpace(source)

	var b strings.Builder
	b.Grow(len(preamble) + len(body) + 96)
	b.WriteString(preamble)
	b.WriteString("\n\n\\begin{document}\n")
	if strings.Contains(body, `\begin{tikzpicture}`) {
		b.WriteString(body)
		b.WriteString("\n")
	} else {
		b.WriteString("\\begin{tikzpicture}\n")
		b.WriteString(body)
		b.WriteString("\n\\end{tikzpicture}\n")
	}
	b.WriteString("\\end{document}\n")
	return b.String()
}
