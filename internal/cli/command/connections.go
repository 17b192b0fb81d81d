package command

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/memscope-go/internal/cli/output"
)

// DisconnectCommand returns the disconnect command.
func DisconnectCommand() *cli.Command {
	return &cli.Command{
		Name:      "disconnect",
		Usage:     "Close a cache connection (default: the current one)",
		ArgsUsage: "[ID]",
		Action: func(c *cli.Context) error {
			id, err := connectionID(c, c.Args().First())
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()
			if err := newClient(c).CloseConnection(ctx, id); err != nil {
				return err
			}
			if mgr := GetConnectionManager(c); mgr != nil {
				mgr.Forget(id)
			}
			if isTable(c) {
				fmt.Fprintf(c.App.Writer, "Disconnected %s\n", id)
				return nil
			}
			return render(c, map[string]string{"id": id}, nil)
		},
	}
}

// ConnectionsCommand returns the connections command.
func ConnectionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "connections",
		Aliases: []string{"ls"},
		Usage:   "List open cache connections",
		Action: func(c *cli.Context) error {
			ctx, cancel := requestContext(c)
			defer cancel()
			conns, err := newClient(c).ListConnections(ctx)
			if err != nil {
				return err
			}

			current := ""
			if mgr := GetConnectionManager(c); mgr != nil {
				current = mgr.Current()
			}
			table := output.NewTable("", "ID", "HOST", "PORT", "DIALECT", "TUNNELED", "CREATED", "LAST ACTIVE")
			for _, ci := range conns {
				mark := ""
				if ci.ID == current {
					mark = "*"
				}
				table.AddRow(mark, ci.ID, ci.Host, strconv.Itoa(ci.Port), ci.Dialect,
					strconv.FormatBool(ci.Tunneled), output.FormatTime(ci.CreatedAt), output.FormatTime(ci.LastActive))
			}
			return render(c, conns, table)
		},
	}
}

// UseCommand returns the use command.
func UseCommand() *cli.Command {
	return &cli.Command{
		Name:      "use",
		Usage:     "Make an open connection current",
		ArgsUsage: "ID",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return fmt.Errorf("connection id required")
			}
			ctx, cancel := requestContext(c)
			defer cancel()
			if _, err := newClient(c).Status(ctx, id); err != nil {
				return err
			}
			mgr := GetConnectionManager(c)
			if mgr == nil {
				return fmt.Errorf("connection manager not initialized")
			}
			mgr.Use(id)
			fmt.Fprintf(c.App.Writer, "Using %s\n", id)
			return nil
		},
	}
}

// summaryStats are the general stats shown without --all.
var summaryStats = []string{
	"version", "uptime", "curr_connections", "curr_items", "total_items",
	"bytes", "limit_maxbytes", "get_hits", "get_misses", "evictions",
}

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show server stats and slab usage of a connection",
		ArgsUsage: "[ID]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "all",
				Aliases: []string{"a"},
				Usage:   "show every general stat",
			},
		},
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	id, err := connectionID(c, c.Args().First())
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	st, err := newClient(c).Status(ctx, id)
	if err != nil {
		return err
	}
	if !isTable(c) {
		return render(c, st, nil)
	}

	w := c.App.Writer
	info := output.NewTable("FIELD", "VALUE")
	info.AddRow("connection", id)
	info.AddRow("address", fmt.Sprintf("%s:%d", st.Host, st.Port))
	info.AddRow("dialect", st.Dialect)
	info.AddRow("tunneled", strconv.FormatBool(st.Tunneled))
	info.AddRow("last_active", output.FormatTime(st.LastActive))

	names := summaryStats
	if c.Bool("all") {
		names = make([]string, 0, len(st.Stats))
		for k := range st.Stats {
			names = append(names, k)
		}
		sort.Strings(names)
	}
	for _, k := range names {
		if v, ok := st.Stats[k]; ok {
			info.AddRow(k, v)
		}
	}
	if err := info.Render(w); err != nil {
		return err
	}

	if len(st.Slabs) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	slabs := output.NewTable("SLAB", "CHUNK SIZE", "PAGES", "CHUNKS", "USED", "FREE")
	for _, s := range st.Slabs {
		slabs.AddRow(strconv.Itoa(s.ID), strconv.FormatInt(s.ChunkSize, 10), strconv.FormatInt(s.TotalPages, 10),
			strconv.FormatInt(s.TotalChunks, 10), strconv.FormatInt(s.UsedChunks, 10), strconv.FormatInt(s.FreeChunks, 10))
	}
	return slabs.Render(w)
}

// FlushCommand returns the flush command.
func FlushCommand() *cli.Command {
	return &cli.Command{
		Name:      "flush",
		Usage:     "Invalidate every item on the server of a connection",
		ArgsUsage: "[ID]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "skip confirmation",
			},
		},
		Action: func(c *cli.Context) error {
			id, err := connectionID(c, c.Args().First())
			if err != nil {
				return err
			}
			if !c.Bool("force") && !confirm(c, fmt.Sprintf("Flush every item behind %s?", id)) {
				fmt.Fprintln(c.App.Writer, "Cancelled.")
				return nil
			}
			ctx, cancel := requestContext(c)
			defer cancel()
			if err := newClient(c).Flush(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Flushed %s\n", id)
			return nil
		},
	}
}

// confirm asks a yes/no question on the app's reader.
func confirm(c *cli.Context, question string) bool {
	fmt.Fprintf(c.App.Writer, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(c.App.Reader).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// PingCommand returns the ping command.
func PingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Check that the memscope server is up",
		Action: func(c *cli.Context) error {
			ctx, cancel := requestContext(c)
			defer cancel()
			client := newClient(c)
			h, err := client.Health(ctx)
			if err != nil {
				return err
			}
			if isTable(c) {
				fmt.Fprintf(c.App.Writer, "%s is %s (version %s, %d connections)\n",
					client.BaseURL(), h.Status, h.Version, h.Connections)
				return nil
			}
			return render(c, h, nil)
		},
	}
}
