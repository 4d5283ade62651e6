package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// OutputFormat selects how command results are printed.
type OutputFormat string

const (
	OutputFormatYAML  OutputFormat = "yaml"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat = OutputFormatYAML

// Table is implemented by responses with a column layout.
type Table interface {
	TableHeader() []string
	TableRows() [][]string
}

// ParseOutputFormat validates a --output value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputFormatYAML, OutputFormatJSON, OutputFormatTable:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want yaml, json or table)", s)
}

// SetOutputFormat sets the global output format. Unknown values keep YAML.
func SetOutputFormat(format string) {
	f, err := ParseOutputFormat(format)
	if err != nil {
		f = OutputFormatYAML
	}
	globalOutputFormat = f
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputTable prints data as a table unless JSON was asked for. Listings
// read better as columns even in the default mode.
func OutputTable(data any) error {
	if globalOutputFormat == OutputFormatJSON {
		return Output(data)
	}
	return OutputTo(os.Stdout, OutputFormatTable, data)
}

// OutputTo writes data to w in format. Values that are not a Table fall
// back to YAML in table mode.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	case OutputFormatTable:
		t, ok := data.(Table)
		if !ok {
			return OutputTo(w, OutputFormatYAML, data)
		}
		return writeTable(w, t)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func writeTable(w io.Writer, t Table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.TableHeader(), "\t"))
	for _, row := range t.TableRows() {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// IsStructuredOutput reports whether output is meant for machines.
func IsStructuredOutput() bool {
	return globalOutputFormat == OutputFormatJSON || globalOutputFormat == OutputFormatYAML
}
