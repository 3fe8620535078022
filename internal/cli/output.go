// Package cli renders client command results as text, JSON, YAML or markdown.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format selects how results are written.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// ParseFormat maps the --output flag to a Format. Unknown values mean text.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "markdown", "md":
		return FormatMarkdown
	default:
		return FormatText
	}
}

// schemaVersion is bumped when the structured output shape changes.
const schemaVersion = "v1"

// Meta heads every structured result.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Version   string    `json:"version,omitempty" yaml:"version,omitempty"`
	Generated time.Time `json:"generated" yaml:"generated"`
}

func newMeta(resultType string) Meta {
	return Meta{Type: resultType, Version: schemaVersion, Generated: time.Now().UTC()}
}

// Output writes results in one format.
type Output struct {
	format Format
	w      io.Writer
}

// NewOutput returns an Output writing to w.
func NewOutput(format Format, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// Format returns the configured format.
func (o *Output) Format() Format { return o.format }

// KV starts a table of labelled values, such as an upload receipt.
func (o *Output) KV(resultType string) *KV {
	return &KV{doc: o.newDocument(resultType, docTable)}
}

// Result starts a one-line outcome with optional details.
func (o *Output) Result(resultType, message string) *Result {
	d := o.newDocument(resultType, docResult)
	d.headline = message
	return &Result{doc: d}
}

// Error starts an error report. Its type is resultType with an "-error" suffix.
func (o *Output) Error(resultType string, err error) *Error {
	d := o.newDocument(resultType+"-error", docError)
	d.headline = err.Error()
	return &Error{doc: d}
}

func (o *Output) newDocument(resultType string, kind docKind) *document {
	return &document{out: o, kind: kind, meta: newMeta(resultType)}
}

func (o *Output) render(d *document) error {
	switch o.format {
	case FormatJSON:
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(envelope{Meta: d.meta, Data: d.data()})
	case FormatYAML:
		return o.encodeYAML(envelope{Meta: d.meta, Data: d.data()})
	case FormatMarkdown:
		if _, err := io.WriteString(o.w, "---\n"); err != nil {
			return err
		}
		if err := o.encodeYAML(d.meta); err != nil {
			return err
		}
		if _, err := io.WriteString(o.w, "---\n\n"); err != nil {
			return err
		}
		return d.writeMarkdown(o.w)
	default:
		return d.writeText(o.w)
	}
}

type envelope struct {
	Meta Meta `json:"meta" yaml:"meta"`
	Data any  `json:"data" yaml:"data"`
}

func (o *Output) encodeYAML(v any) error {
	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// fieldKey turns a label such as "Short URL" into "short_url".
func fieldKey(label string) string {
	return strings.ToLower(strings.ReplaceAll(label, " ", "_"))
}
