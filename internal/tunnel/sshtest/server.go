// Package sshtest runs a minimal in-process SSH bastion for tests. It accepts
// password authentication and direct-tcpip channels and nothing else.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Server is a bastion listening on a loopback port.
type Server struct {
	ln          net.Listener
	config      *ssh.ServerConfig
	fingerprint string

	forwards atomic.Int64

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type directTCPIP struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

// NewServer starts a bastion that accepts user/password. It panics when the
// host key cannot be generated or no loopback port is free.
func NewServer(user, password string) *Server {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic("sshtest: generate host key: " + err.Error())
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		panic("sshtest: host key signer: " + err.Error())
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, errRejected
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("sshtest: listen: " + err.Error())
	}

	s := &Server{
		ln:          ln,
		config:      cfg,
		fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		conns:       make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

var errRejected = errors.New("password rejected")

// Host returns the listening host.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Fingerprint returns the host key fingerprint in SHA256:<base64> form.
func (s *Server) Fingerprint() string {
	return s.fingerprint
}

// Forwards returns the number of direct-tcpip channels opened so far.
func (s *Server) Forwards() int {
	return int(s.forwards.Load())
}

// DropConnections closes every live client connection while the listener
// stays up.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the bastion and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var payload directTCPIP
		if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
			nc.Reject(ssh.ConnectionFailed, "malformed payload")
			continue
		}
		target := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
		backend, err := net.Dial("tcp", target)
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			backend.Close()
			continue
		}
		s.forwards.Add(1)
		go ssh.DiscardRequests(chReqs)
		go splice(ch, backend)
	}
}

func splice(ch ssh.Channel, backend net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			ch.Close()
			backend.Close()
		})
	}
	go func() {
		defer closeBoth()
		io.Copy(ch, backend)
	}()
	defer closeBoth()
	io.Copy(backend, ch)
}
