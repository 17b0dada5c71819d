package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

type OutputOptions struct {
	Format OutputFormat
	Quiet  bool
	Writer io.Writer
	// ErrWriter receives error reports; defaults to stderr.
	ErrWriter io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format:    OutputText,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputJSON:
		return formatJSON(data)
	case OutputYAML:
		return formatYAML(data)
	default:
		return formatTable(data)
	}
}

func formatJSON(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(b) + "\n", nil
}

func formatYAML(data any) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	return string(b), nil
}

// formatTable renders slices of structs as aligned columns, and structs
// and maps as key/value lines. Anything else is printed with %v.
func formatTable(data any) (string, error) {
	if data == nil {
		return "", nil
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", nil
		}
		v = v.Elem()
	}

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "No items\n", nil
		}
		headers := columns(v.Index(0))
		upper := make([]string, len(headers))
		for i, h := range headers {
			upper[i] = strings.ToUpper(h)
		}
		fmt.Fprintln(w, strings.Join(upper, "\t"))
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(w, strings.Join(rowValues(v.Index(i), len(headers)), "\t"))
		}
	case reflect.Struct:
		headers := columns(v)
		values := rowValues(v, len(headers))
		for i, h := range headers {
			fmt.Fprintf(w, "%s\t%s\n", h, values[i])
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			fmt.Fprintf(w, "%v\t%s\n", iter.Key(), formatValue(iter.Value().Interface()))
		}
	default:
		return fmt.Sprintf("%v\n", data), nil
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// columns names the exported fields of a struct row by their json tag.
func columns(row reflect.Value) []string {
	if row.Kind() == reflect.Ptr {
		row = row.Elem()
	}
	if row.Kind() != reflect.Struct {
		return []string{"value"}
	}
	t := row.Type()
	var names []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			name = f.Name
		}
		names = append(names, name)
	}
	return names
}

func rowValues(row reflect.Value, n int) []string {
	if row.Kind() == reflect.Ptr {
		row = row.Elem()
	}
	if row.Kind() != reflect.Struct {
		return []string{formatValue(row.Interface())}
	}
	values := make([]string, 0, n)
	for i := 0; i < row.NumField(); i++ {
		if !row.Type().Field(i).IsExported() {
			continue
		}
		values = append(values, formatValue(row.Field(i).Interface()))
	}
	return values
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case []string:
		return strings.Join(val, ",")
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprintf("%v", val)
	default:
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.String {
			return rv.String()
		}
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func PrintOutput(data any, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}

	output, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(opts.Writer, output)
	return err
}

// PrintError reports err on the error writer in the selected format.
func PrintError(err error, opts *OutputOptions) {
	w := opts.ErrWriter
	if w == nil {
		w = os.Stderr
	}
	data := map[string]any{
		"success": false,
		"error": map[string]string{
			"message": err.Error(),
		},
	}
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(data, "", "  ")
		fmt.Fprintln(w, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(data)
		fmt.Fprint(w, string(b))
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}
