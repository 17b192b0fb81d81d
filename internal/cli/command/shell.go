package command

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/memscope-go/internal/cli/repl"
)

// ShellCommand returns the shell command.
func ShellCommand() *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "Run commands interactively; connect once, then work on that connection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "history",
				Usage: "history file (empty keeps history in memory)",
				Value: repl.DefaultHistoryPath(),
			},
		},
		Action: shellAction,
	}
}

func shellAction(c *cli.Context) error {
	if inShell, _ := c.App.Metadata[metaShell].(bool); inShell {
		return fmt.Errorf("already in a shell")
	}
	mgr := GetConnectionManager(c)
	if mgr == nil {
		return fmt.Errorf("connection manager not initialized")
	}
	if id := c.String("conn"); id != "" {
		mgr.Use(id)
	}

	in := bufio.NewReader(c.App.Reader)
	base := shellArgs(c)
	exec := func(args []string) error {
		app := NewApp(mgr)
		app.Reader = in
		app.Writer = c.App.Writer
		app.ErrWriter = c.App.ErrWriter
		app.Metadata[metaShell] = true
		// Errors are printed by the loop; never exit the process.
		app.ExitErrHandler = func(*cli.Context, error) {}
		return app.RunContext(c.Context, append(append([]string{Name}, base...), args...))
	}

	r := repl.New(in, c.App.Writer, exec, repl.NewHistory(c.String("history")))
	r.SetPrompt(func() string {
		if id := mgr.Current(); id != "" {
			return "memscope(" + shortID(id) + ")> "
		}
		return "memscope> "
	})
	fmt.Fprintf(c.App.Writer, "Connected to %s. Type help for commands, exit to leave.\n", ParseGlobalFlags(c).Server)
	return r.Run()
}

// shellArgs carries the global flags of the shell into each command.
func shellArgs(c *cli.Context) []string {
	flags := ParseGlobalFlags(c)
	args := []string{
		"--server", flags.Server,
		"--output", string(flags.Output),
		"--config", flags.Config,
		"--timeout", c.Duration("timeout").String(),
	}
	if flags.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// shortID trims the ULID of a connection id for the prompt.
func shortID(id string) string {
	if prefix, rest, ok := strings.Cut(id, "-"); ok && len(rest) > 8 {
		return prefix + "-" + rest[len(rest)-8:]
	}
	return id
}

