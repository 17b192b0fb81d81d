package command

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/memscope-go/internal/cli/config"
	"github.com/yndnr/memscope-go/internal/cli/connection"
	"github.com/yndnr/memscope-go/internal/core/domain"
)

// ConnectCommand returns the connect command.
func ConnectCommand() *cli.Command {
	return &cli.Command{
		Name:      "connect",
		Usage:     "Open a connection to a memcached server and make it current",
		ArgsUsage: "HOST[:PORT]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "connect-timeout",
				Usage: "per-command timeout on the cache connection, in seconds",
			},
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "SASL username (selects the binary protocol)",
			},
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "SASL password",
				EnvVars: []string{"MEMSCOPE_SASL_PASSWORD"},
			},
			&cli.StringFlag{
				Name:  "ssh-host",
				Usage: "reach the server through this SSH bastion (HOST[:PORT])",
			},
			&cli.StringFlag{
				Name:  "ssh-user",
				Usage: "SSH username",
			},
			&cli.StringFlag{
				Name:    "ssh-password",
				Usage:   "SSH password",
				EnvVars: []string{"MEMSCOPE_SSH_PASSWORD"},
			},
			&cli.StringFlag{
				Name:  "ssh-key",
				Usage: "SSH private key file (PEM)",
			},
			&cli.StringFlag{
				Name:    "ssh-passphrase",
				Usage:   "passphrase of the SSH private key",
				EnvVars: []string{"MEMSCOPE_SSH_PASSPHRASE"},
			},
			&cli.StringFlag{
				Name:  "ssh-fingerprint",
				Usage: "expected bastion host key (SHA256:...), default from known hosts",
			},
			&cli.BoolFlag{
				Name:  "trust",
				Usage: "accept the bastion host key the server reports and remember it",
			},
		},
		Action: connectAction,
	}
}

// splitHostPort splits HOST[:PORT], falling back to def for the port.
func splitHostPort(s string, def int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port, or an unbracketed IPv6 address.
		return s, def, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, port, nil
}

func connectParams(c *cli.Context, target string) (domain.ConnectionParams, error) {
	host, port, err := splitHostPort(target, domain.DefaultCachePort)
	if err != nil {
		return domain.ConnectionParams{}, err
	}
	params := domain.ConnectionParams{
		Host:           host,
		Port:           port,
		TimeoutSeconds: c.Int("connect-timeout"),
	}

	if user := c.String("username"); user != "" {
		params.Credentials = &domain.Credentials{Username: user, Password: c.String("password")}
	} else if c.String("password") != "" {
		return params, fmt.Errorf("--password needs --username")
	}

	if sshHost := c.String("ssh-host"); sshHost != "" {
		h, p, err := splitHostPort(sshHost, domain.DefaultSSHPort)
		if err != nil {
			return params, err
		}
		tp := &domain.TunnelParams{
			Host:        h,
			Port:        p,
			Username:    c.String("ssh-user"),
			Password:    c.String("ssh-password"),
			Passphrase:  c.String("ssh-passphrase"),
			Fingerprint: c.String("ssh-fingerprint"),
		}
		if path := c.String("ssh-key"); path != "" {
			pem, err := os.ReadFile(path)
			if err != nil {
				return params, fmt.Errorf("read ssh key: %w", err)
			}
			tp.PrivateKey = string(pem)
		}
		if tp.Fingerprint == "" {
			tp.Fingerprint = cliConfig(c).Fingerprint(bastionAddr(tp))
		}
		params.Tunnel = tp
	}
	return params, nil
}

func bastionAddr(tp *domain.TunnelParams) string {
	return net.JoinHostPort(tp.Host, strconv.Itoa(tp.Port))
}

func connectAction(c *cli.Context) error {
	target := c.Args().First()
	if target == "" {
		return fmt.Errorf("cache server address required")
	}
	params, err := connectParams(c, target)
	if err != nil {
		return err
	}

	client := newClient(c)
	ctx, cancel := requestContext(c)
	defer cancel()

	stop := startSpinner(c, "connecting to "+target)
	id, err := client.CreateConnection(ctx, params)
	stop()
	if err != nil {
		hk, ok := hostKeyDetails(err)
		if !ok || params.Tunnel == nil {
			return err
		}
		if !c.Bool("trust") {
			return untrustedHostError(params.Tunnel, hk)
		}
		if hk.Pinned != "" {
			fmt.Fprintf(c.App.ErrWriter, "warning: replacing pinned host key %s of %s with %s\n",
				hk.Pinned, bastionAddr(params.Tunnel), hk.Fingerprint)
		}
		params.Tunnel.Fingerprint = hk.Fingerprint
		if id, err = client.CreateConnection(ctx, params); err != nil {
			return err
		}
		rememberHostKey(c, params.Tunnel)
	}

	if mgr := GetConnectionManager(c); mgr != nil {
		mgr.Use(id)
	}
	if isTable(c) {
		fmt.Fprintf(c.App.Writer, "Connected to %s as %s\n", net.JoinHostPort(params.Host, strconv.Itoa(params.Port)), id)
		return nil
	}
	return render(c, map[string]string{"id": id}, nil)
}

func hostKeyDetails(err error) (connection.HostKeyDetails, bool) {
	apiErr, ok := connection.AsAPIError(err)
	if !ok {
		return connection.HostKeyDetails{}, false
	}
	return apiErr.HostKey()
}

func untrustedHostError(tp *domain.TunnelParams, hk connection.HostKeyDetails) error {
	addr := bastionAddr(tp)
	if hk.Pinned != "" {
		return fmt.Errorf("host key of %s changed: pinned %s, presented %s; rerun with --trust only if the change is expected",
			addr, hk.Pinned, hk.Fingerprint)
	}
	return fmt.Errorf("host key of %s is not trusted yet: %s; rerun with --trust or --ssh-fingerprint %s",
		addr, hk.Fingerprint, hk.Fingerprint)
}

func rememberHostKey(c *cli.Context, tp *domain.TunnelParams) {
	cfg := cliConfig(c)
	cfg.Trust(bastionAddr(tp), tp.Fingerprint)
	if err := config.Save(cfg, c.String("config")); err != nil {
		fmt.Fprintf(c.App.ErrWriter, "warning: host key not saved: %v\n", err)
	}
}
