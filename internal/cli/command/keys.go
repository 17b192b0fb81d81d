package command

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/memscope-go/internal/cli/output"
	"github.com/yndnr/memscope-go/internal/core/domain"
)

// valueWidth caps the VALUE column of key listings.
const valueWidth = 48

// KeysCommand returns the keys subcommand group.
func KeysCommand() *cli.Command {
	return &cli.Command{
		Name:    "keys",
		Aliases: []string{"key", "k"},
		Usage:   "List and edit keys on the current connection",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List keys with their values",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "search",
						Aliases: []string{"q"},
						Usage:   "substring or regular expression, case-insensitive",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "maximum number of keys (0 for all)",
					},
				},
				Action: keysList,
			},
			{
				Name:      "get",
				Usage:     "Show one key",
				ArgsUsage: "KEY",
				Action:    keysGet,
			},
			{
				Name:      "set",
				Usage:     "Store a value (\"-\" reads it from stdin)",
				ArgsUsage: "KEY VALUE",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "time to live, whole seconds (0 never expires)",
					},
				},
				Action: keysSet,
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete one key",
				ArgsUsage: "KEY",
				Action:    keysDelete,
			},
		},
	}
}

func formatTTL(seconds int64) string {
	if seconds < 0 {
		return "-"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func keysList(c *cli.Context) error {
	id, err := connectionID(c, "")
	if err != nil {
		return err
	}
	if c.Int("limit") < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	stop := startSpinner(c, "listing keys")
	keys, err := newClient(c).ListKeys(ctx, id, c.String("search"), c.Int("limit"))
	stop()
	if err != nil {
		return err
	}
	if keys == nil {
		keys = []domain.KeyInfo{}
	}

	table := output.NewTable("KEY", "TTL", "SIZE", "VALUE")
	for _, k := range keys {
		table.AddRow(k.Key, formatTTL(k.TimeUntilExpirationSecond), strconv.Itoa(k.SizeBytes), output.Truncate(k.Value, valueWidth))
	}
	return render(c, keys, table)
}

func keyArg(c *cli.Context) (string, error) {
	key := c.Args().First()
	if key == "" {
		return "", fmt.Errorf("key required")
	}
	return key, nil
}

func keysGet(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}
	id, err := connectionID(c, "")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	info, err := newClient(c).GetKey(ctx, id, key)
	if err != nil {
		return err
	}
	table := output.NewTable("FIELD", "VALUE")
	table.AddRow("key", info.Key)
	table.AddRow("size", strconv.Itoa(info.SizeBytes))
	table.AddRow("value", output.Truncate(info.Value, 0))
	return render(c, info, table)
}

func keysSet(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: keys set KEY VALUE")
	}
	key, value := c.Args().Get(0), c.Args().Get(1)
	if value == "-" {
		data, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return fmt.Errorf("read value: %w", err)
		}
		value = string(data)
	}

	ttl := c.Duration("ttl")
	if ttl < 0 || ttl%time.Second != 0 {
		return fmt.Errorf("--ttl must be a non-negative number of whole seconds")
	}
	id, err := connectionID(c, "")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := newClient(c).SetKey(ctx, id, key, value, int64(ttl/time.Second)); err != nil {
		return err
	}
	if isTable(c) {
		fmt.Fprintf(c.App.Writer, "Stored %s (%d bytes)\n", key, len(value))
		return nil
	}
	return render(c, map[string]any{"key": key, "size_bytes": len(value)}, nil)
}

func keysDelete(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}
	id, err := connectionID(c, "")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := newClient(c).DeleteKey(ctx, id, key); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted %s\n", key)
	return nil
}
