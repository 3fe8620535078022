package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/gezibash/drop/internal/shortcode"
)

type docKind int

const (
	docTable docKind = iota
	docResult
	docError
)

type field struct {
	label string
	value any
}

// document is the common shape behind KV, Result and Error: an optional
// headline followed by ordered labelled values.
type document struct {
	out      *Output
	kind     docKind
	meta     Meta
	headline string
	code     string
	fields   []field
}

func (d *document) add(label string, value any) {
	d.fields = append(d.fields, field{label: label, value: value})
}

func (d *document) data() any {
	m := make(map[string]any, len(d.fields)+2)
	switch d.kind {
	case docResult:
		m["message"] = d.headline
	case docError:
		m["error"] = d.headline
		if d.code != "" {
			m["code"] = d.code
		}
	}
	for _, f := range d.fields {
		m[fieldKey(f.label)] = f.value
	}
	return m
}

func (d *document) writeText(w io.Writer) error {
	switch d.kind {
	case docError:
		_, err := fmt.Fprintf(w, "Error%s: %s\n", d.codeTag(), d.headline)
		return err
	case docResult:
		if _, err := fmt.Fprintln(w, d.headline); err != nil {
			return err
		}
		width := 0
		for _, f := range d.fields {
			width = max(width, len(f.label)+1)
		}
		for _, f := range d.fields {
			if _, err := fmt.Fprintf(w, "  %-*s  %v\n", width, f.label+":", f.value); err != nil {
				return err
			}
		}
		return nil
	}

	if len(d.fields) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	opts := &tw.Style().Options
	opts.DrawBorder = false
	opts.SeparateColumns = false
	opts.SeparateHeader = false
	opts.SeparateRows = false
	for _, f := range d.fields {
		tw.AppendRow(table.Row{f.label + ":", fmt.Sprint(f.value)})
	}
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}

func (d *document) writeMarkdown(w io.Writer) error {
	switch d.kind {
	case docError:
		_, err := fmt.Fprintf(w, "> **Error%s:** %s\n", d.codeTag(), d.headline)
		return err
	case docResult:
		if _, err := fmt.Fprintf(w, "**%s**\n\n", d.headline); err != nil {
			return err
		}
		for _, f := range d.fields {
			if _, err := fmt.Fprintf(w, "- **%s:** %s\n", f.label, markdownValue(f.value)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, f := range d.fields {
		if _, err := fmt.Fprintf(w, "**%s:** %s\n\n", f.label, markdownValue(f.value)); err != nil {
			return err
		}
	}
	return nil
}

func (d *document) codeTag() string {
	if d.code == "" {
		return ""
	}
	return " [" + d.code + "]"
}

// KV is an ordered table of labelled values.
type KV struct{ doc *document }

// Set appends a row.
func (k *KV) Set(label string, value any) *KV {
	k.doc.add(label, value)
	return k
}

func (k *KV) Render() error { return k.doc.out.render(k.doc) }

// Result is a headline with indented details.
type Result struct{ doc *document }

// With appends a detail.
func (r *Result) With(label string, value any) *Result {
	r.doc.add(label, value)
	return r
}

func (r *Result) Render() error { return r.doc.out.render(r.doc) }

// Error reports a failed command.
type Error struct{ doc *document }

// WithCode tags the error, typically with the server's HTTP status.
func (e *Error) WithCode(code string) *Error {
	e.doc.code = code
	return e
}

func (e *Error) Render() error { return e.doc.out.render(e.doc) }

// markdownValue code-quotes ids, short codes and URLs and escapes pipes.
func markdownValue(v any) string {
	s := fmt.Sprint(v)
	if looksLikeIdentifier(s) {
		return "`" + s + "`"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

// looksLikeIdentifier reports whether s is a canonical blob id, a short
// code or an http(s) URL.
func looksLikeIdentifier(s string) bool {
	if shortcode.Valid(s) || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return true
	}
	if len(s) != 36 {
		return false
	}
	for i := range len(s) {
		c := s[i]
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
