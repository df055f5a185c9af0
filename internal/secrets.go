package internal

import (
	"os"
	"strings"
)

// SecretSource resolves named secrets. Implementations must never log
// values. A missing secret is not an error at resolution time; clients
// classify it as an auth_missing failure when the secret is actually
// needed for a call.
type SecretSource interface {
	Secret(name string) string
}

// EnvSecrets reads secrets from the process environment.
type EnvSecrets struct{}

// Secret returns the trimmed environment value, or "".
func (EnvSecrets) Secret(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

// FileSecrets reads secrets from files under a directory, one secret per
// file named after the secret. This matches the mounted-secret layout
// used by most orchestrators; a vault client would be a third
// implementation behind the same interface.
type FileSecrets struct {
	Dir string
}

// Secret returns the trimmed file contents, or "".
func (f FileSecrets) Secret(name string) string {
	b, err := os.ReadFile(f.Dir + "/" + name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// ChainSecrets consults sources in order, returning the first non-empty
// value.
type ChainSecrets []SecretSource

// Secret implements SecretSource.
func (c ChainSecrets) Secret(name string) string {
	for _, s := range c {
		if v := s.Secret(name); v != "" {
			return v
		}
	}
	return ""
}

// staticSecrets is a fixed map, for tests.
type staticSecrets map[string]string

func (s staticSecrets) Secret(name string) string { return s[name] }
