package sshpool

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sshpool/internal/keyedpool"
	"github.com/gluk-w/claworc/sshpool/internal/sshkeys"
	"github.com/gluk-w/claworc/sshpool/sshclient"
)

// SessionFactory creates, validates and destroys the sessions of one key.
// The pool calls Create on a borrow that finds no idle session, Validate
// before handing out an idle one (and from the evictor), and Destroy for
// every session it discards. Destroy must not fail.
type SessionFactory interface {
	Create(ctx context.Context, key ConnectionKey) (*sshclient.Session, error)
	Validate(key ConnectionKey, s *sshclient.Session) bool
	Destroy(key ConnectionKey, s *sshclient.Session)
}

var _ keyedpool.Factory[ConnectionKey, *sshclient.Session] = SessionFactory(nil)

// Factory is the default SessionFactory.
type Factory struct {
	identities     *sshkeys.IdentityCache
	connectTimeout time.Duration
	pingTimeout    time.Duration
	limiter        *RateLimiter
	logger         *log.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithIdentityCache shares parsed private keys across sessions. Without it
// every Create reads and parses the key file.
func WithIdentityCache(c *sshkeys.IdentityCache) FactoryOption {
	return func(f *Factory) { f.identities = c }
}

// WithConnectTimeout bounds dial plus handshake of each Create.
func WithConnectTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) { f.connectTimeout = d }
}

// WithValidationPing makes Validate also require a keepalive reply within
// timeout, catching connections that died without the transport noticing.
func WithValidationPing(timeout time.Duration) FactoryOption {
	return func(f *Factory) { f.pingTimeout = timeout }
}

// WithCreateRateLimiter gates Create through rl, keyed by server address.
func WithCreateRateLimiter(rl *RateLimiter) FactoryOption {
	return func(f *Factory) { f.limiter = rl }
}

// WithFactoryLogger replaces the factory logger.
func WithFactoryLogger(l *log.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFactory returns the default factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		connectTimeout: sshclient.DefaultConnectTimeout,
		logger:         log.Default().WithPrefix("sshpool"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create opens and connects a session for key. The connect error is
// returned unchanged.
func (f *Factory) Create(ctx context.Context, key ConnectionKey) (*sshclient.Session, error) {
	addr := key.Address()
	if f.limiter != nil {
		if err := f.limiter.Allow(addr); err != nil {
			return nil, err
		}
	}

	s, err := f.create(ctx, key)
	if f.limiter != nil {
		if err != nil {
			f.limiter.RecordFailure(addr)
		} else {
			f.limiter.RecordSuccess(addr)
		}
	}
	if err != nil {
		f.logger.Warn("session create failed", "key", key, "err", err)
		return nil, err
	}
	f.logger.Debug("session created", "session", s.ID(), "key", key, "hostkey", s.HostKeyFingerprint())
	return s, nil
}

func (f *Factory) create(ctx context.Context, key ConnectionKey) (*sshclient.Session, error) {
	sc := sshclient.NewContext(f.identities)

	if key.KnownHosts != "" {
		if err := sc.SetKnownHosts(key.KnownHosts); err != nil {
			return nil, err
		}
	}

	if key.PrivateKey != "" {
		var err error
		if key.Passphrase != "" {
			err = sc.AddIdentityWithPassphrase(key.PrivateKey, key.Passphrase)
		} else {
			err = sc.AddIdentity(key.PrivateKey)
		}
		if err != nil {
			return nil, err
		}
		f.logIdentity(key, sc)
	}

	s, err := sc.NewSession(key.Username, key.Host, key.Port)
	if err != nil {
		return nil, err
	}
	s.SetLogger(f.logger)
	if key.Password != "" {
		s.SetPassword(key.Password)
	}
	if key.IgnoreHostKeyChecking {
		s.SetConfig(sshclient.ConfigStrictHostKeyChecking, "no")
	}
	s.SetTimeout(f.connectTimeout)

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *Factory) logIdentity(key ConnectionKey, sc *sshclient.Context) {
	ids := sc.Identities()
	if len(ids) == 0 {
		return
	}
	fp, err := sshkeys.GetPublicKeyFingerprint(ssh.MarshalAuthorizedKey(ids[len(ids)-1].PublicKey()))
	if err != nil {
		f.logger.Debug("identity fingerprint unavailable", "key", key, "err", err)
		return
	}
	f.logger.Debug("identity loaded", "key", key, "fingerprint", fp)
}

// Validate reports whether s is still connected.
func (f *Factory) Validate(key ConnectionKey, s *sshclient.Session) bool {
	if s == nil || !s.IsConnected() {
		return false
	}
	if f.pingTimeout <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.pingTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		f.logger.Debug("session failed keepalive", "session", s.ID(), "key", key, "err", err)
		return false
	}
	return true
}

// Destroy disconnects s. Errors and panics from the transport are logged
// and dropped.
func (f *Factory) Destroy(key ConnectionKey, s *sshclient.Session) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("session disconnect panicked", "session", s.ID(), "key", key, "panic", r)
		}
	}()
	if err := s.Disconnect(); err != nil {
		f.logger.Debug("session disconnect failed", "session", s.ID(), "key", key, "err", err)
		return
	}
	f.logger.Debug("session destroyed", "session", s.ID(), "key", key)
}
