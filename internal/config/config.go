// Package config loads the probe's connection settings from SSHPOOL_*
// environment variables and pool tuning from an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/claworc/sshpool"
	"github.com/gluk-w/claworc/sshpool/internal/crypto"
)

type Settings struct {
	Host       string `envconfig:"HOST" required:"true"`
	Port       int    `envconfig:"PORT" default:"22"`
	Username   string `envconfig:"USERNAME" default:"root"`
	PrivateKey string `envconfig:"PRIVATE_KEY" default:""`
	KnownHosts string `envconfig:"KNOWN_HOSTS" default:""`

	IgnoreHostKeyChecking bool `envconfig:"IGNORE_HOST_KEY_CHECKING" default:"false"`

	// Plain secrets win over their fernet-sealed *_ENC variants.
	Password      string   `envconfig:"PASSWORD" default:""`
	PasswordEnc   string   `envconfig:"PASSWORD_ENC" default:""`
	Passphrase    string   `envconfig:"PASSPHRASE" default:""`
	PassphraseEnc string   `envconfig:"PASSPHRASE_ENC" default:""`
	SecretKeys    []string `envconfig:"SECRET_KEYS" default:""`

	PoolFile       string        `envconfig:"POOL_FILE" default:""`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogPath        string        `envconfig:"LOG_PATH" default:""`
}

var Cfg Settings

func Load() error {
	if err := envconfig.Process("SSHPOOL", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

// Key builds the connection key, decrypting sealed secrets.
func (s Settings) Key() (sshpool.ConnectionKey, error) {
	password, err := s.secret(s.Password, s.PasswordEnc)
	if err != nil {
		return sshpool.ConnectionKey{}, fmt.Errorf("SSHPOOL_PASSWORD_ENC: %w", err)
	}
	passphrase, err := s.secret(s.Passphrase, s.PassphraseEnc)
	if err != nil {
		return sshpool.ConnectionKey{}, fmt.Errorf("SSHPOOL_PASSPHRASE_ENC: %w", err)
	}

	key := sshpool.ConnectionKey{
		Host:                  s.Host,
		Port:                  s.Port,
		Username:              s.Username,
		Password:              password,
		PrivateKey:            s.PrivateKey,
		Passphrase:            passphrase,
		KnownHosts:            s.KnownHosts,
		IgnoreHostKeyChecking: s.IgnoreHostKeyChecking,
	}
	if err := key.Validate(); err != nil {
		return sshpool.ConnectionKey{}, err
	}
	return key, nil
}

func (s Settings) secret(plain, sealed string) (string, error) {
	if plain != "" || sealed == "" {
		return plain, nil
	}
	return crypto.Decrypt(sealed, s.SecretKeys...)
}

// LoadPoolFile reads pool options from a YAML file. Fields the file leaves
// out keep their DefaultPoolConfig values; an empty path returns the
// defaults.
func LoadPoolFile(path string) (sshpool.PoolConfig, error) {
	cfg := sshpool.DefaultPoolConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read pool file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse pool file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("pool file %s: %w", path, err)
	}
	return cfg, nil
}
