// Package render writes command output as json, yaml or a table.
//
// Without --format, a TTY gets a table and anything else gets json.
// --no-color only affects tables; the TUI keeps its own styling.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/daybreak/cli/tui"
	"github.com/pithecene-io/daybreak/history"
	"github.com/pithecene-io/daybreak/pipeline"
)

// Format is an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a --format value. Empty lets the caller pick.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatTable, FormatYAML, "":
		return f, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer writes values in one format.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from the --format and --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJSON
		if isTTY(os.Stdout) {
			format = FormatTable
		}
	}
	return &Renderer{format: format, noColor: c.Bool("no-color"), out: c.App.Writer}, nil
}

// NewRendererWithWriter creates a renderer writing to out.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format { return r.format }

// Render writes data.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		return r.renderYAML(data)
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI shows data in the read-only TUI.
func (r *Renderer) RenderTUI(view string, data any) error {
	if !tui.IsTUISupported(view) {
		return fmt.Errorf("--tui is not supported for %s", view)
	}
	return tui.Run(view, data)
}

// renderYAML goes through JSON so field names and omitempty follow the
// json tags. Decoding into a yaml.Node keeps key order.
func (r *Renderer) renderYAML(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

func (r *Renderer) renderTable(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	switch v := data.(type) {
	case *pipeline.Status:
		r.statusTable(w, v)
		return nil
	case []history.Report:
		r.historyTable(w, v)
		return nil
	}

	rv := reflect.Indirect(reflect.ValueOf(data))
	switch rv.Kind() {
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			fmt.Fprintf(w, "%s:\t%s\n", fieldName(t.Field(i)), formatValue(rv.Field(i)))
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			fmt.Fprintf(w, "%v:\t%s\n", iter.Key().Interface(), formatValue(iter.Value()))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return nil
}

func (r *Renderer) statusTable(w io.Writer, s *pipeline.Status) {
	fmt.Fprintf(w, "run:\t%s\n", s.Key)
	fmt.Fprintf(w, "cursor:\t%s\n", s.Cursor)
	fmt.Fprintf(w, "state:\t%s\n", r.mark(tui.RunState(s)))
	if s.Base != "" {
		fmt.Fprintf(w, "base:\t%s\n", s.Base)
	}
	if s.CreatedAt != nil {
		fmt.Fprintf(w, "created:\t%s\n", s.CreatedAt.Format(time.RFC3339))
	}
	if s.Lease != nil {
		fmt.Fprintf(w, "lease:\t%s (%s)\n", s.Lease.Handle, s.Lease.ModelVersion)
	}
	if len(s.Bucket) > 0 {
		fmt.Fprintf(w, "bucket:\t%s\n", strings.Join(s.Bucket, ", "))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "#\tSTEP\tPERSONA\tSTATE\tERROR")
	for _, st := range s.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", st.Ordinal, st.Name, dash(st.Persona), r.mark(string(st.State)), st.Error)
	}
}

func (r *Renderer) historyTable(w io.Writer, reps []history.Report) {
	if len(reps) == 0 {
		fmt.Fprintln(w, "(no results)")
		return
	}
	fmt.Fprintln(w, "STARTED\tSESSION\tPIPELINE\tINSTANCE\tSTATUS\tCURSOR\tDURATION\tERROR")
	for _, rep := range reps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rep.StartedAt.Format(time.RFC3339), rep.Session, rep.Pipeline, rep.Instance,
			r.mark(string(rep.Status)), rep.Cursor,
			(time.Duration(rep.DurationMS) * time.Millisecond).String(), rep.Error)
	}
}

// mark colors state words unless color is off.
func (r *Renderer) mark(state string) string {
	if r.noColor {
		return state
	}
	const reset = "\x1b[0m"
	switch state {
	case "done", "completed":
		return "\x1b[32m" + state + reset
	case "failed", "halted_with_error", "aborted", "dropped":
		return "\x1b[31m" + state + reset
	case "in_progress", "resumable":
		return "\x1b[33m" + state + reset
	default:
		return state
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if t, ok := v.Interface().(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
