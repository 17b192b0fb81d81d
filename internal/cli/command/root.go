package command

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/memscope-go/internal/cli/config"
	"github.com/yndnr/memscope-go/internal/cli/connection"
	"github.com/yndnr/memscope-go/internal/cli/output"
	"github.com/yndnr/memscope-go/internal/infra/buildinfo"
)

// Name is the program name.
const Name = "memscope-cli"

const (
	metaManager = "connMgr"
	metaConfig  = "config"
	metaShell   = "inShell"
)

// App creates the CLI application.
func App() *cli.App {
	return NewApp(connection.NewManager())
}

// NewApp creates the CLI application around mgr, which holds the current
// cache connection between commands.
func NewApp(mgr *connection.Manager) *cli.App {
	return &cli.App{
		Name:    Name,
		Usage:   "inspect and edit memcached servers through a memscope server",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			ConnectCommand(),
			DisconnectCommand(),
			ConnectionsCommand(),
			UseCommand(),
			StatusCommand(),
			KeysCommand(),
			FlushCommand(),
			PingCommand(),
			ShellCommand(),
		},
		Metadata: map[string]any{metaManager: mgr},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			c.App.Metadata[metaConfig] = cfg
			if _, err := output.ParseFormat(outputFormatName(c)); err != nil {
				return err
			}
			return nil
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "memscope server address (default from config, then " + config.DefaultServer + ")",
			EnvVars: []string{"MEMSCOPE_SERVER"},
		},
		&cli.StringFlag{
			Name:    "conn",
			Aliases: []string{"c"},
			Usage:   "cache connection id (default: the current connection)",
			EnvVars: []string{"MEMSCOPE_CONNECTION"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "CLI config file",
			EnvVars: []string{"MEMSCOPE_CLI_CONFIG"},
			Value:   config.DefaultPath(),
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "request timeout",
			Value:   connection.DefaultTimeout,
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "print each request",
		},
	}
}

// GlobalFlags are the resolved global settings.
type GlobalFlags struct {
	Server  string
	Conn    string
	Output  output.Format
	Config  string
	Verbose bool
}

// ParseGlobalFlags resolves the global flags against the CLI config.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	format, _ := output.ParseFormat(outputFormatName(c))
	server := c.String("server")
	if server == "" {
		server = cliConfig(c).Server
	}
	return &GlobalFlags{
		Server:  server,
		Conn:    c.String("conn"),
		Output:  format,
		Config:  c.String("config"),
		Verbose: c.Bool("verbose"),
	}
}

func outputFormatName(c *cli.Context) string {
	if s := c.String("output"); s != "" {
		return s
	}
	return cliConfig(c).Output
}

func cliConfig(c *cli.Context) *config.CLIConfig {
	if cfg, ok := c.App.Metadata[metaConfig].(*config.CLIConfig); ok {
		return cfg
	}
	return config.Default()
}

// GetConnectionManager retrieves the connection manager from context.
func GetConnectionManager(c *cli.Context) *connection.Manager {
	if mgr, ok := c.App.Metadata[metaManager].(*connection.Manager); ok {
		return mgr
	}
	return nil
}

// newClient builds the HTTP client for the resolved server.
func newClient(c *cli.Context) *connection.HTTPClient {
	flags := ParseGlobalFlags(c)
	client := connection.NewHTTPClient(flags.Server, buildinfo.UserAgent(Name))
	if flags.Verbose {
		client.SetTrace(c.App.ErrWriter)
	}
	return client
}

// requestContext bounds one command by the --timeout flag.
func requestContext(c *cli.Context) (context.Context, context.CancelFunc) {
	parent := c.Context
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, c.Duration("timeout"))
}

// connectionID picks the cache connection a command acts on: an explicit
// argument, then --conn, then the current connection.
func connectionID(c *cli.Context, arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	if id := c.String("conn"); id != "" {
		return id, nil
	}
	if mgr := GetConnectionManager(c); mgr != nil && mgr.IsConnected() {
		return mgr.Current(), nil
	}
	return "", fmt.Errorf("no connection selected: pass --conn ID or run connect first")
}

// render writes data in the selected format. Table output uses table when
// given, otherwise a table derived from data.
func render(c *cli.Context, data any, table *output.Table) error {
	format := ParseGlobalFlags(c).Output
	if format == output.FormatTable && table != nil {
		return table.Render(c.App.Writer)
	}
	return output.NewFormatter(format).Format(c.App.Writer, data)
}

// isTable reports whether the selected output is for humans.
func isTable(c *cli.Context) bool {
	return ParseGlobalFlags(c).Output == output.FormatTable
}

// startSpinner shows progress on an interactive stderr during a table
// render. The returned func stops it.
func startSpinner(c *cli.Context, message string) func() {
	if !isTable(c) || !isTerminal(c.App.ErrWriter) {
		return func() {}
	}
	s := output.NewSpinner(c.App.ErrWriter, message)
	s.Start()
	return s.Stop
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// PrintError prints an error message to stderr.
func PrintError(w io.Writer, err error) {
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "error: %v\n", err)
}
