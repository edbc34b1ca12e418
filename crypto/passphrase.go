package crypto

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PassphraseSource resolves keystore passphrases from per-keystore environment
// variables, falling back to an interactive prompt. Resolved values are
// cached per path so repeated campaigns never prompt twice.
type PassphraseSource struct {
	envByPath map[string]string

	mu    sync.Mutex
	cache map[string]string
}

// NewPassphraseSource constructs a source. envByPath maps keystore paths to the
// environment variable naming their passphrase; unmapped paths prompt.
func NewPassphraseSource(envByPath map[string]string) *PassphraseSource {
	envs := make(map[string]string, len(envByPath))
	for path, env := range envByPath {
		envs[strings.TrimSpace(path)] = strings.TrimSpace(env)
	}
	return &PassphraseSource{envByPath: envs, cache: make(map[string]string)}
}

// Get returns the passphrase for the keystore at path. Whitespace-only
// passphrases are rejected to avoid unprotected keystores.
func (s *PassphraseSource) Get(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.cache[path]; ok {
		return value, nil
	}

	envVar := s.envByPath[path]
	if envVar != "" {
		if value, ok := os.LookupEnv(envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", envVar)
			}
			s.cache[path] = value
			return value, nil
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase := string(bytes)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	s.cache[path] = passphrase
	return passphrase, nil
}
