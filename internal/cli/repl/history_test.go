package repl

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestHistory_Add(t *testing.T) {
	h := NewHistory("")
	h.Add("ping")
	h.Add("ping")
	h.Add("status")
	h.Add("connect cache --password hunter2")
	h.Add("connect cache -u ops -p hunter2")

	if want := []string{"ping", "status"}; !reflect.DeepEqual(h.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", h.Entries(), want)
	}
	if h.Get(0) != "status" || h.Get(1) != "ping" || h.Get(2) != "" || h.Get(-1) != "" {
		t.Errorf("Get() order wrong: %v", h.Entries())
	}
}

func TestHistory_MaxSize(t *testing.T) {
	h := NewHistory("")
	h.maxSize = 3
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		h.Add(s)
	}
	if want := []string{"c", "d", "e"}; !reflect.DeepEqual(h.Entries(), want) {
		t.Errorf("Entries() = %v, want %v", h.Entries(), want)
	}
}

func TestHistory_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "history")
	h := NewHistory(path)
	h.Add("connect cache:11211")
	h.Add("keys list")
	if err := h.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %o", info.Mode().Perm())
	}

	loaded := NewHistory(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(loaded.Entries(), h.Entries()) {
		t.Errorf("Load() = %v, want %v", loaded.Entries(), h.Entries())
	}
}

func TestHistory_LoadMissing(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "absent"))
	if err := h.Load(); err != nil {
		t.Errorf("Load() error = %v", err)
	}
}

func TestHistory_InMemory(t *testing.T) {
	h := NewHistory("")
	h.Add("ping")
	if err := h.Save(); err != nil {
		t.Errorf("Save() error = %v", err)
	}
	if err := h.Load(); err != nil {
		t.Errorf("Load() error = %v", err)
	}
}

func TestDefaultHistoryPath(t *testing.T) {
	if p := DefaultHistoryPath(); p != "" && !strings.HasSuffix(p, filepath.Join(".memscope", "history")) {
		t.Errorf("DefaultHistoryPath() = %q", p)
	}
}
