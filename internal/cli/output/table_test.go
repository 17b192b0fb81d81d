package output

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"
)

func render(t *testing.T, data any) []string {
	t.Helper()
	var buf bytes.Buffer
	if err := (&TableFormatter{}).Format(&buf, data); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
}

func TestTableFormatter_Table(t *testing.T) {
	tbl := NewTable("KEY", "TTL")
	tbl.AddRow("user:1", "60")
	tbl.AddRow("session:abcdef", "-1")

	lines := render(t, tbl)
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "KEY") || !strings.Contains(lines[0], "TTL") {
		t.Errorf("header = %q", lines[0])
	}
	// Columns are aligned.
	if strings.Index(lines[1], "60") != strings.Index(lines[2], "-1") {
		t.Errorf("columns not aligned: %q", lines)
	}
}

func TestTableFormatter_NoHeaders(t *testing.T) {
	tbl := NewTable("KEY")
	tbl.AddRow("a")
	var buf bytes.Buffer
	if err := (&TableFormatter{NoHeaders: true}).Format(&buf, *tbl); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "a\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestTableFormatter_Slice(t *testing.T) {
	lines := render(t, []*keyRow{{Key: "a", Size: 1}, nil, {Key: "b", Size: 22}})
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if fields := strings.Fields(lines[0]); !reflect.DeepEqual(fields, []string{"KEY", "SIZE_BYTES"}) {
		t.Errorf("header = %v", fields)
	}
	if fields := strings.Fields(lines[2]); !reflect.DeepEqual(fields, []string{"b", "22"}) {
		t.Errorf("row = %v", fields)
	}
}

func TestTableFormatter_EmptySlice(t *testing.T) {
	var buf bytes.Buffer
	if err := (&TableFormatter{}).Format(&buf, []keyRow{}); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("got %q, want nothing", buf.String())
	}
}

func TestTableFormatter_MapSorted(t *testing.T) {
	lines := render(t, map[string]string{"uptime": "10", "curr_items": "3", "pid": "1"})
	want := []string{"curr_items", "pid", "uptime"}
	for i, k := range want {
		if !strings.HasPrefix(lines[i+1], k) {
			t.Errorf("row %d = %q, want key %q", i, lines[i+1], k)
		}
	}
}

func TestTableFormatter_Struct(t *testing.T) {
	lines := render(t, keyRow{Key: "k", Size: 3, Inner: "hidden"})
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if strings.Contains(strings.Join(lines, "\n"), "hidden") {
		t.Errorf("table:\"-\" field rendered: %q", lines)
	}
}

func TestTableFormatter_FallbackToJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := (&TableFormatter{}).Format(&buf, 42); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "42" {
		t.Errorf("got %q", buf.String())
	}
}

func TestFormatValue(t *testing.T) {
	var nilPtr *int
	n := 7
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "x", "x"},
		{"empty string", "", "-"},
		{"int", 42, "42"},
		{"uint", uint32(7), "7"},
		{"float", 1.5, "1.50"},
		{"bool", true, "true"},
		{"duration", 90 * time.Second, "1m30s"},
		{"zero time", time.Time{}, "-"},
		{"empty slice", []int{}, "-"},
		{"slice", []int{1, 2}, "[2 items]"},
		{"map", map[string]int{"a": 1}, "{1 keys}"},
		{"nil pointer", nilPtr, ""},
		{"pointer", &n, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(reflect.ValueOf(tt.in)); got != tt.want {
				t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	if got := formatValue(reflect.Value{}); got != "" {
		t.Errorf("formatValue(invalid) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long value", 10, "this is..."},
		{"héllo wörld", 8, "héllo..."},
		{"line\nbreak", 40, `line\nbreak`},
		{"abc", 2, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := map[string]string{
		"Key":        "key",
		"SizeBytes":  "size_bytes",
		"LastActive": "last_active",
	}
	for in, want := range tests {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
