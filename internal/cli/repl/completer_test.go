package repl

import (
	"reflect"
	"testing"
)

func TestCompleter_Complete(t *testing.T) {
	c := NewCompleter()
	tests := []struct {
		prefix string
		want   []string
	}{
		{"keys ", []string{"keys delete", "keys get", "keys list", "keys set"}},
		{"disc", []string{"disconnect"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			if got := c.Complete(tt.prefix); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Complete(%q) = %v, want %v", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestCompleter_Known(t *testing.T) {
	c := NewCompleter()
	tests := map[string]bool{
		"keys":   true,
		"status": true,
		"--help": true,
		"list":   false,
		"sesion": false,
	}
	for word, want := range tests {
		if got := c.Known(word); got != want {
			t.Errorf("Known(%q) = %v, want %v", word, got, want)
		}
	}
}
