// Package tunnel relays one cache server port through an SSH bastion.
//
// Host identity follows trust on first use: the bastion's host key
// fingerprint (SHA256, OpenSSH format) must match the pinned value supplied
// by the caller. Without a pin the attempt fails with an unverified
// HostKeyError carrying the observed fingerprint, so an operator can approve
// it and retry.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/yndnr/memscope-go/internal/core/domain"
)

// Defaults.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultKeepAlive   = 30 * time.Second
)

// Config describes one tunnel.
type Config struct {
	// Bastion
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM
	Passphrase string

	// Fingerprint is the pinned host key fingerprint, "SHA256:..." or the
	// bare base64 part. Empty means the bastion is not trusted yet.
	Fingerprint string

	// Backend reached from the bastion.
	RemoteHost string
	RemotePort int

	DialTimeout time.Duration
	KeepAlive   time.Duration // 0 uses the default, negative disables
	Logger      *slog.Logger
}

// Tunnel is an open relay. The zero value is not usable; call Open.
type Tunnel struct {
	client *ssh.Client
	ln     net.Listener
	remote string
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	conns map[io.Closer]struct{}
}

// NormalizeFingerprint returns the canonical "SHA256:<base64>" form.
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return ""
	}
	if !strings.HasPrefix(fp, "SHA256:") {
		fp = "SHA256:" + fp
	}
	return strings.TrimRight(fp, "=")
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cfg.PrivateKey, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cfg.PrivateKey)
		}
		if err != nil {
			return nil, domain.ErrTunnelAuth.WithDetails("unusable private key").WithCause(err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, domain.ErrTunnelAuth.WithDetails("password or private key required")
	}
	return methods, nil
}

// Open authenticates to the bastion, verifies its identity and starts a
// loopback listener that forwards to RemoteHost:RemotePort. On failure
// nothing is left open.
func Open(ctx context.Context, cfg Config) (*Tunnel, error) {
	if cfg.Port == 0 {
		cfg.Port = domain.DefaultSSHPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Username == "" {
		return nil, domain.ErrTunnelAuth.WithDetails("username required")
	}

	methods, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	pinned := NormalizeFingerprint(cfg.Fingerprint)
	var hostErr *domain.HostKeyError
	sshCfg := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: methods,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			observed := ssh.FingerprintSHA256(key)
			if pinned == "" || observed != pinned {
				hostErr = &domain.HostKeyError{Observed: observed, Pinned: pinned}
				return hostErr
			}
			return nil
		},
		Timeout: cfg.DialTimeout,
	}

	bastion := domain.JoinHostPort(cfg.Host, cfg.Port)
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", bastion)
	if err != nil {
		return nil, domain.ErrTunnel.WithDetails("dial " + bastion).WithCause(err)
	}

	// The handshake itself has no context; bound it with a deadline instead.
	_ = conn.SetDeadline(time.Now().Add(cfg.DialTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, bastion, sshCfg)
	if err != nil {
		conn.Close()
		if hostErr != nil {
			return nil, hostErr
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, domain.ErrTunnelAuth.WithCause(err)
		}
		return nil, domain.ErrTunnel.WithDetails("handshake with " + bastion).WithCause(err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, domain.ErrTunnel.WithDetails("bind local endpoint").WithCause(err)
	}

	t := &Tunnel{
		client: client,
		ln:     ln,
		remote: domain.JoinHostPort(cfg.RemoteHost, cfg.RemotePort),
		logger: cfg.Logger.With("component", "tunnel", "bastion", bastion),
		done:   make(chan struct{}),
		conns:  make(map[io.Closer]struct{}),
	}

	go func() {
		_ = client.Wait()
		close(t.done)
		t.Close()
	}()

	t.wg.Add(1)
	go t.acceptLoop()

	if cfg.KeepAlive > 0 {
		t.wg.Add(1)
		go t.keepAlive(cfg.KeepAlive)
	}

	t.logger.Info("tunnel opened", "local", ln.Addr().String(), "remote", t.remote)
	return t, nil
}

// LocalHost returns the loopback host of the relay endpoint.
func (t *Tunnel) LocalHost() string {
	return t.ln.Addr().(*net.TCPAddr).IP.String()
}

// LocalPort returns the ephemeral port of the relay endpoint.
func (t *Tunnel) LocalPort() int {
	return t.ln.Addr().(*net.TCPAddr).Port
}

// LocalAddr returns host:port of the relay endpoint.
func (t *Tunnel) LocalAddr() string {
	return net.JoinHostPort(t.LocalHost(), strconv.Itoa(t.LocalPort()))
}

// Done is closed when the SSH session ends, for whatever reason.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Close stops the listener, ends the SSH session and waits for every relay
// goroutine to finish. It is safe to call more than once.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.ln.Close()
		if cerr := t.client.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		t.mu.Lock()
		for c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
		t.logger.Info("tunnel closed")
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (t *Tunnel) track(c io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return false
	default:
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Tunnel) untrack(c io.Closer) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
	c.Close()
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.ln.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

// forward opens one direct-tcpip channel for a local connection and splices
// both directions. When either side finishes both are closed.
func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	if !t.track(local) {
		local.Close()
		return
	}
	defer t.untrack(local)

	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		t.logger.Warn("open forwarded channel failed", "remote", t.remote, "error", err)
		return
	}
	if !t.track(remote) {
		remote.Close()
		return
	}
	defer t.untrack(remote)

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			local.Close()
			remote.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		_, _ = io.Copy(remote, local)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		_, _ = io.Copy(local, remote)
	}()
	wg.Wait()
}

func (t *Tunnel) keepAlive(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("keepalive failed, closing tunnel", "error", err)
				t.client.Close()
				return
			}
		}
	}
}
