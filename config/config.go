// Package config holds the typed collector configuration assembled from CLI
// flags and environment variables. Flags carry the per-run choices; the
// environment carries the pieces that should not appear on a command line
// (the token encryption key) plus logging cosmetics.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/onnwee/matrix-census/crypto"
)

// PasswordStdin is the --matrixpass placeholder that makes the collector read
// the password from standard input instead, so it never lands in shell
// history or the process list.
const PasswordStdin = "-"

// Collector is the configuration of one collection run.
type Collector struct {
	Host     string // homeserver hostname, no scheme
	User     string
	Password string

	StatusFile   string
	CounterFile  string
	MetricsFile  string // empty disables the textfile export
	AlwaysLogout bool
	Verbose      bool

	// TokenKey is the optional base64 AES-256 key from
	// MATRIX_CENSUS_TOKEN_KEY used to encrypt stored access tokens.
	TokenKey string
}

// FromEnv fills in the environment-sourced fields.
func (c *Collector) FromEnv() {
	c.TokenKey = os.Getenv("MATRIX_CENSUS_TOKEN_KEY")
}

// ResolvePassword replaces the stdin placeholder with one line read from r.
func (c *Collector) ResolvePassword(r io.Reader) error {
	if c.Password != PasswordStdin {
		return nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read password from stdin: %w", err)
	}
	c.Password = strings.TrimRight(line, "\n")
	if c.Password == "" {
		return fmt.Errorf("read password from stdin: empty input")
	}
	return nil
}

// Encryptor builds the token encryptor, or nil when no key is configured.
func (c *Collector) Encryptor() (crypto.Encryptor, error) {
	if c.TokenKey == "" {
		return nil, nil
	}
	enc, err := crypto.NewAESEncryptor(c.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("MATRIX_CENSUS_TOKEN_KEY: %w", err)
	}
	return enc, nil
}

// TokenID is the identity key under which this run's token is stored.
func (c *Collector) TokenID() string { return c.User + "@" + c.Host }

// Validate checks the required fields after flag parsing and password
// resolution.
func (c *Collector) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("matrix host is required")
	}
	if strings.Contains(c.Host, "://") {
		return fmt.Errorf("matrix host must be a bare hostname, not a URL: %s", c.Host)
	}
	if c.User == "" {
		return fmt.Errorf("matrix user is required")
	}
	if c.Password == "" {
		return fmt.Errorf("matrix password is required")
	}
	return nil
}
