package command

import (
	"os"
	"strings"
	"testing"

	"github.com/yndnr/memscope-go/internal/cli/connection"
)

func TestApp(t *testing.T) {
	app := App()
	if app.Name != Name {
		t.Errorf("Name = %q, want %q", app.Name, Name)
	}

	commands := make(map[string]bool)
	for _, cmd := range app.Commands {
		commands[cmd.Name] = true
	}
	for _, name := range []string{"connect", "disconnect", "connections", "use", "status", "keys", "flush", "ping", "shell"} {
		if !commands[name] {
			t.Errorf("missing command %q", name)
		}
	}

	flags := make(map[string]bool)
	for _, f := range app.Flags {
		flags[f.Names()[0]] = true
	}
	for _, name := range []string{"server", "conn", "output", "config", "timeout", "verbose"} {
		if !flags[name] {
			t.Errorf("missing global flag %q", name)
		}
	}
}

func TestApp_UnknownOutput(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.run(t, "", "--output", "xml", "ping")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("error = %v", err)
	}
}

func TestApp_ServerFromConfig(t *testing.T) {
	e := newTestEnv(t)
	// Point the config at the test server and omit --server.
	app := NewApp(connection.NewManager())
	var out strings.Builder
	app.Writer = &out
	app.ErrWriter = &out

	if err := writeConfig(e.cfgPath, "server: "+e.url+"\noutput: json\n"); err != nil {
		t.Fatal(err)
	}
	if err := app.Run([]string{Name, "--config", e.cfgPath, "ping"}); err != nil {
		t.Fatalf("ping error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), `"status": "healthy"`) {
		t.Errorf("output = %q, want JSON from config", out.String())
	}
}

func TestPing(t *testing.T) {
	e := newTestEnv(t)
	out := e.mustRun(t, "ping")
	if !strings.Contains(out, "is healthy") {
		t.Errorf("output = %q", out)
	}
}

func TestVerbose(t *testing.T) {
	e := newTestEnv(t)
	res, err := e.run(t, "", "--verbose", "ping")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.err, "> GET /health 200") {
		t.Errorf("stderr = %q", res.err)
	}
}

func TestNoConnectionSelected(t *testing.T) {
	e := newTestEnv(t)
	tests := [][]string{
		{"status"},
		{"keys", "list"},
		{"keys", "get", "k"},
		{"flush", "--force"},
		{"disconnect"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, err := e.run(t, "", args...)
			if err == nil || !strings.Contains(err.Error(), "no connection selected") {
				t.Errorf("error = %v", err)
			}
		})
	}
}

func TestConnectionID(t *testing.T) {
	e := newTestEnv(t)
	id := e.connect(t)

	// --conn beats the current connection; an unknown id is a server error.
	_, err := e.run(t, "", "--conn", "mc-unknown", "status")
	if err == nil || !strings.Contains(err.Error(), "MS-CONN-4040") {
		t.Errorf("status --conn unknown error = %v", err)
	}
	if out := e.mustRun(t, "status"); !strings.Contains(out, id) {
		t.Errorf("status output = %q", out)
	}
}

func TestShortID(t *testing.T) {
	tests := map[string]string{
		"mc-01hzx7k3m9q2w8e5r4t6y1u0ab": "mc-t6y1u0ab",
		"plain":                        "plain",
		"mc-short":                     "mc-short",
	}
	for in, want := range tests {
		if got := shortID(in); got != want {
			t.Errorf("shortID(%q) = %q, want %q", in, got, want)
		}
	}
}

func writeConfig(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
