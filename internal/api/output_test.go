package api

import (
	"bytes"
	"strings"
	"testing"
)

type depthTable struct {
	Ready    int `json:"ready" yaml:"ready"`
	Reserved int `json:"reserved" yaml:"reserved"`
}

func (d depthTable) TableHeader() []string { return []string{"READY", "RESERVED"} }

func (d depthTable) TableRows() [][]string {
	return [][]string{{"12", "3"}}
}

func TestOutputTo_Table(t *testing.T) {
	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatTable, depthTable{Ready: 12, Reserved: 3}); err != nil {
		t.Fatalf("OutputTo() error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("table = %q, want header and one row", buf.String())
	}
	if strings.Fields(lines[0])[1] != "RESERVED" || strings.Fields(lines[1])[0] != "12" {
		t.Errorf("table = %q", buf.String())
	}
	// Columns line up.
	if strings.Index(lines[0], "RESERVED") != strings.Index(lines[1], "3") {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

func TestOutputTo_TableFallsBackToYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatTable, map[string]int{"ready": 1}); err != nil {
		t.Fatalf("OutputTo() error = %v", err)
	}
	if got := buf.String(); got != "ready: 1\n" {
		t.Errorf("fallback = %q, want YAML", got)
	}
}

func TestOutputTo_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatJSON, depthTable{Ready: 2}); err != nil {
		t.Fatalf("OutputTo() error = %v", err)
	}
	if !strings.Contains(buf.String(), `"ready": 2`) {
		t.Errorf("json = %q", buf.String())
	}
}

func TestParseOutputFormat(t *testing.T) {
	for _, in := range []string{"yaml", "json", "table", "TABLE"} {
		if _, err := ParseOutputFormat(in); err != nil {
			t.Errorf("ParseOutputFormat(%q) error = %v", in, err)
		}
	}
	if _, err := ParseOutputFormat("xml"); err == nil {
		t.Error("ParseOutputFormat(xml) succeeded")
	}

	t.Cleanup(func() { SetOutputFormat("yaml") })
	SetOutputFormat("table")
	if GetOutputFormat() != OutputFormatTable || IsStructuredOutput() {
		t.Errorf("format = %s, structured = %v", GetOutputFormat(), IsStructuredOutput())
	}
	SetOutputFormat("xml")
	if GetOutputFormat() != OutputFormatYAML {
		t.Errorf("unknown format kept %s, want yaml", GetOutputFormat())
	}
}
