// Package sshtest runs a minimal in-process SSH server for tests.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/sshpool/internal/sshkeys"
)

// Server accepts public key auth for its generated client key and, when
// configured, password auth. Every channel is accepted and closed at once;
// global requests (keepalives) are answered.
type Server struct {
	Addr     string
	Host     string
	Port     int
	User     string
	Password string

	// KeyPath is an unprotected client private key accepted by the server.
	KeyPath string
	// HostKey is the server's public host key.
	HostKey ssh.PublicKey

	listener   net.Listener
	mu         sync.Mutex
	conns      []net.Conn
	handshakes atomic.Int32
}

// Options tweaks the server.
type Options struct {
	// Password enables password auth with this secret.
	Password string
	// ClientKeyPassphrase, when set, also writes EncryptedKeyPath protected
	// with this passphrase; the key is accepted by the server.
	ClientKeyPassphrase string
}

// Start starts a server on 127.0.0.1 and stops it when the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	dir := t.TempDir()
	authorized := make([][]byte, 0, 2)

	pub, priv, err := sshkeys.GenerateKeyPair("sshtest", "")
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	keyPath, err := sshkeys.SaveKeyPair(dir, "client", priv, pub)
	if err != nil {
		t.Fatalf("save client key: %v", err)
	}
	authorized = append(authorized, parseAuthorized(t, pub))

	if opts.ClientKeyPassphrase != "" {
		encPub, encPriv, err := sshkeys.GenerateKeyPair("sshtest-enc", opts.ClientKeyPassphrase)
		if err != nil {
			t.Fatalf("generate encrypted client key: %v", err)
		}
		if _, err := sshkeys.SaveKeyPair(dir, "client-enc", encPriv, encPub); err != nil {
			t.Fatalf("save encrypted client key: %v", err)
		}
		authorized = append(authorized, parseAuthorized(t, encPub))
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, a := range authorized {
				if bytes.Equal(key.Marshal(), a) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	if opts.Password != "" {
		cfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Addr:     listener.Addr().String(),
		Host:     host,
		Port:     port,
		User:     "tester",
		Password: opts.Password,
		KeyPath:  keyPath,
		HostKey:  hostSigner.PublicKey(),
		listener: listener,
	}

	go s.serve(cfg)
	t.Cleanup(s.Close)
	return s
}

// EncryptedKeyPath is the passphrase-protected client key written when
// Options.ClientKeyPassphrase is set.
func (s *Server) EncryptedKeyPath() string {
	return filepath.Join(filepath.Dir(s.KeyPath), "client-enc")
}

// WriteKnownHosts writes a known_hosts file listing this server's host key
// and returns its path.
func (s *Server) WriteKnownHosts(t testing.TB) string {
	t.Helper()
	return s.writeKnownHosts(t, s.HostKey)
}

// WriteWrongKnownHosts writes a known_hosts file that lists a different key
// for this server's address.
func (s *Server) WriteWrongKnownHosts(t testing.TB) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("convert key: %v", err)
	}
	return s.writeKnownHosts(t, key)
}

func (s *Server) writeKnownHosts(t testing.TB, key ssh.PublicKey) string {
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{s.Addr}, key)
	if err := os.WriteFile(path, []byte(line+"\n"), 0644); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

// Handshakes reports how many SSH handshakes completed.
func (s *Server) Handshakes() int {
	return int(s.handshakes.Load())
}

// DropAll force-closes every server-side connection, simulating a network
// drop or a server restart.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops accepting and drops live connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropAll()
}

func (s *Server) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go func() {
			defer conn.Close()
			srvConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
			if err != nil {
				return
			}
			defer srvConn.Close()
			s.handshakes.Add(1)

			go func() {
				for req := range reqs {
					if req.WantReply {
						req.Reply(true, nil)
					}
				}
			}()
			for newChan := range chans {
				ch, requests, err := newChan.Accept()
				if err != nil {
					continue
				}
				go ssh.DiscardRequests(requests)
				ch.Close()
			}
		}()
	}
}

func parseAuthorized(t testing.TB, authorizedKey []byte) []byte {
	t.Helper()
	key, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		t.Fatalf("parse authorized key: %v", err)
	}
	return key.Marshal()
}
