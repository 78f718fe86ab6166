package sshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sshpool/internal/logutil"
	"github.com/gluk-w/claworc/sshpool/internal/sshkeys"
)

// Config keys understood by Session.SetConfig.
const (
	ConfigStrictHostKeyChecking = "StrictHostKeyChecking"
)

// DefaultConnectTimeout bounds TCP dial plus SSH handshake.
const DefaultConnectTimeout = 10 * time.Second

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrAlreadyConnected = errors.New("session is already connected")
	ErrSessionClosed    = errors.New("session was disconnected")
)

// Session is one authenticated SSH connection. Configure it with the
// setters, then Connect. After Disconnect a Session cannot be reused.
type Session struct {
	id   string
	user string
	host string
	port int
	ctx  *Context

	password string
	config   map[string]string
	timeout  time.Duration
	logger   *log.Logger

	mu          sync.Mutex
	client      *ssh.Client
	closed      bool
	connectedAt time.Time
	fingerprint string

	connected atomic.Bool
	done      chan struct{}
}

func newSession(c *Context, user, host string, port int) *Session {
	return &Session{
		id:      uuid.NewString(),
		user:    user,
		host:    host,
		port:    port,
		ctx:     c,
		config:  make(map[string]string),
		timeout: DefaultConnectTimeout,
		logger:  log.Default().WithPrefix("ssh"),
		done:    make(chan struct{}),
	}
}

// ID uniquely identifies the session in logs and events.
func (s *Session) ID() string { return s.id }

// User returns the login user.
func (s *Session) User() string { return s.user }

// Host returns the remote host.
func (s *Session) Host() string { return s.host }

// Port returns the remote port.
func (s *Session) Port() int { return s.port }

// Addr returns host:port.
func (s *Session) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// SetPassword enables password and keyboard-interactive authentication,
// tried after any public keys.
func (s *Session) SetPassword(password string) {
	s.password = password
}

// SetConfig sets a session option such as StrictHostKeyChecking=no.
func (s *Session) SetConfig(key, value string) {
	s.config[key] = value
}

// Config returns a session option, or "".
func (s *Session) Config(key string) string {
	return s.config[key]
}

// SetTimeout bounds dial plus handshake. Zero means no timeout beyond ctx.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
}

// SetLogger replaces the session logger.
func (s *Session) SetLogger(l *log.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Connect dials the host and completes the SSH handshake and
// authentication. Cancelling ctx aborts a dial or handshake in progress.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.client != nil {
		return ErrAlreadyConnected
	}

	addr := s.Addr()
	cfg, fingerprint := s.clientConfig()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", logutil.SanitizeForLog(addr), err)
	}

	// Abort the handshake when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		conn.Close()
		return fmt.Errorf("connect to %s: %w", logutil.SanitizeForLog(addr), ctx.Err())
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("connect to %s: %w", logutil.SanitizeForLog(addr), err)
	}

	client := ssh.NewClient(c, chans, reqs)
	s.client = client
	s.connectedAt = time.Now()
	s.fingerprint = *fingerprint
	s.connected.Store(true)

	go func() {
		client.Wait()
		s.connected.Store(false)
		close(s.done)
	}()

	s.logger.Debug("connected", "session", s.id, "addr", logutil.SanitizeForLog(addr),
		"user", logutil.SanitizeForLog(s.user), "hostkey", s.fingerprint,
		"known_hosts", logutil.SanitizeForLog(s.ctx.KnownHostsPath()))
	return nil
}

func (s *Session) clientConfig() (*ssh.ClientConfig, *string) {
	var auth []ssh.AuthMethod
	if ids := s.ctx.Identities(); len(ids) > 0 {
		auth = append(auth, ssh.PublicKeys(ids...))
	}
	if s.password != "" {
		password := s.password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case s.config[ConfigStrictHostKeyChecking] == "no":
		hostKey = ssh.InsecureIgnoreHostKey()
	case s.ctx.knownHosts != nil:
		hostKey = s.ctx.knownHosts
	default:
		hostKey = sshkeys.RejectUnknownHosts
	}
	hostKey, fingerprint := sshkeys.RecordingHostKeyCallback(hostKey)

	return &ssh.ClientConfig{
		User:            s.user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.timeout,
	}, fingerprint
}

// IsConnected reports whether the transport is still up. It turns false as
// soon as the connection ends, whether by Disconnect or by the peer.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// Done is closed when the transport ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Client returns the underlying SSH client, or nil before Connect.
func (s *Session) Client() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// ConnectedAt returns when the handshake completed.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// HostKeyFingerprint returns the SHA256 fingerprint the server presented.
func (s *Session) HostKeyFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Ping sends an OpenSSH keepalive and waits for the reply or ctx.
func (s *Session) Ping(ctx context.Context) error {
	client := s.Client()
	if client == nil || !s.IsConnected() {
		return ErrNotConnected
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("keepalive %s: %w", s.id, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("keepalive %s: %w", s.id, err)
		}
		return nil
	}
}

// Disconnect closes the connection. It is safe to call more than once and
// on a session that never connected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.client == nil {
		return nil
	}

	s.connected.Store(false)
	err := s.client.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("disconnect %s: %w", logutil.SanitizeForLog(s.Addr()), err)
	}
	s.logger.Debug("disconnected", "session", s.id, "addr", logutil.SanitizeForLog(s.Addr()))
	return nil
}
