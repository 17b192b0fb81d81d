package domain

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// ConnectionIDPrefix is the prefix for logical connection ids.
	ConnectionIDPrefix = "mc-"

	// DefaultCachePort is the default memcached port.
	DefaultCachePort = 11211

	// DefaultSSHPort is the default bastion port.
	DefaultSSHPort = 22

	// DefaultTimeoutSeconds is used when a caller leaves the timeout unset.
	DefaultTimeoutSeconds = 5

	// MaxTimeoutSeconds bounds caller supplied timeouts.
	MaxTimeoutSeconds = 300
)

// Dialect is the wire dialect spoken on a logical connection.
// It is fixed when the connection is created.
type Dialect int

const (
	// DialectText is the unauthenticated line protocol.
	DialectText Dialect = iota
	// DialectBinary is the header-framed protocol, authenticated with SASL PLAIN.
	DialectBinary
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case DialectBinary:
		return "binary"
	default:
		return "text"
	}
}

// Credentials is a SASL PLAIN username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TunnelParams describes the SSH bastion hop in front of a cache server.
type TunnelParams struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`

	// Fingerprint is the pinned host key fingerprint (SHA256:...).
	// Leave empty on first contact to learn it.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ConnectionParams are the caller inputs for creating a logical connection.
type ConnectionParams struct {
	Host           string        `json:"host"`
	Port           int           `json:"port,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty"`
	Credentials    *Credentials  `json:"credentials,omitempty"`
	Tunnel         *TunnelParams `json:"tunnel,omitempty"`
}

// Normalize fills defaults and validates the parameters in place.
func (p *ConnectionParams) Normalize() error {
	p.Host = strings.TrimSpace(p.Host)
	if p.Host == "" {
		return ErrMissingArgument.WithDetails("host is required")
	}
	if p.Port == 0 {
		p.Port = DefaultCachePort
	}
	if p.Port < 0 || p.Port > 65535 {
		return ErrInvalidArgument.WithDetailsf("port %d out of range", p.Port)
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if p.TimeoutSeconds < 0 || p.TimeoutSeconds > MaxTimeoutSeconds {
		return ErrInvalidArgument.WithDetailsf("timeout_seconds must be between 1 and %d", MaxTimeoutSeconds)
	}
	if p.Credentials != nil && p.Credentials.Username == "" && p.Credentials.Password == "" {
		p.Credentials = nil
	}
	if t := p.Tunnel; t != nil {
		t.Host = strings.TrimSpace(t.Host)
		if t.Host == "" {
			return ErrMissingArgument.WithDetails("tunnel.host is required")
		}
		if t.Port == 0 {
			t.Port = DefaultSSHPort
		}
		if t.Port < 0 || t.Port > 65535 {
			return ErrInvalidArgument.WithDetailsf("tunnel port %d out of range", t.Port)
		}
		if t.Username == "" {
			return ErrMissingArgument.WithDetails("tunnel.username is required")
		}
	}
	return nil
}

// Dialect resolves the wire dialect: credentials select the binary protocol.
func (p *ConnectionParams) Dialect() Dialect {
	if p.Credentials != nil {
		return DialectBinary
	}
	return DialectText
}

// Timeout returns the configured timeout as a duration.
func (p *ConnectionParams) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Address returns host:port of the cache server as the caller sees it.
func (p *ConnectionParams) Address() string {
	return JoinHostPort(p.Host, p.Port)
}

// JoinHostPort is net.JoinHostPort for an integer port.
func JoinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return host + ":" + strconv.Itoa(port)
}

// GenerateConnectionID creates a new connection id.
// Format: mc-{ulid_lowercase}.
func GenerateConnectionID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", ErrInternal.WithCause(err)
	}
	return ConnectionIDPrefix + strings.ToLower(id.String()), nil
}

// IsValidConnectionID checks the mc-{ulid} format.
func IsValidConnectionID(id string) bool {
	if !strings.HasPrefix(id, ConnectionIDPrefix) {
		return false
	}
	_, err := ulid.Parse(strings.ToUpper(id[len(ConnectionIDPrefix):]))
	return err == nil
}

// ConnectionInfo is the public view of a live logical connection.
type ConnectionInfo struct {
	ID         string    `json:"id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Dialect    string    `json:"dialect"`
	Tunneled   bool      `json:"tunneled"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}
