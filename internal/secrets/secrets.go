// Package secrets resolves the per-run bootstrap secrets: the administrative
// password for the bal principal and the KEMP ID/password pair used for
// online license activation. Each value is resolved at most once per run,
// from an environment variable, a file, or an interactive terminal prompt,
// in that order.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/metal-toolbox/lbcfg/internal/configuration"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

const (
	adminPasswordEnvVar = "LBCFG_ADMIN_PASSWORD"
	kempIDEnvVar        = "LBCFG_KEMP_ID"
	kempPasswordEnvVar  = "LBCFG_KEMP_PASSWORD"
)

// Source resolves one secret value at most once.
type Source struct {
	prompt   string
	envVar   string
	file     string
	hidden   bool
	resolved bool
	value    string
}

// NewSource builds a resolver for one value. envVar and file may be empty,
// in which case the terminal is prompted. hidden disables echo on the
// interactive prompt.
func NewSource(prompt, envVar, file string, hidden bool) *Source {
	return &Source{
		prompt: prompt,
		envVar: envVar,
		file:   file,
		hidden: hidden,
	}
}

// Resolve returns the value, reading it on first use and caching it for the
// rest of the run so the user is never prompted twice.
func (s *Source) Resolve() (string, error) {
	if s.resolved {
		return s.value, nil
	}

	value, err := s.read()
	if err != nil {
		return "", err
	}

	s.value = value
	s.resolved = true

	return value, nil
}

func (s *Source) read() (string, error) {
	if s.envVar != "" {
		if value := os.Getenv(s.envVar); value != "" {
			return value, nil
		}
	}

	if s.file != "" {
		return readSecretFile(s.file)
	}

	return s.promptTerminal()
}

func (s *Source) promptTerminal() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.Wrapf(model.ErrConfig,
			"no terminal available to prompt for %s, set %s or configure a file source", s.prompt, s.envVar)
	}

	fmt.Fprintf(os.Stderr, "%s: ", s.prompt)

	if s.hidden {
		value, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)

		if err != nil {
			return "", errors.Wrapf(model.ErrConfig, "reading %s: %s", s.prompt, err.Error())
		}

		if len(value) == 0 {
			return "", errors.Wrapf(model.ErrConfig, "%s is empty", s.prompt)
		}

		return string(value), nil
	}

	reader := bufio.NewReader(os.Stdin)

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrapf(model.ErrConfig, "reading %s: %s", s.prompt, err.Error())
	}

	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.Wrapf(model.ErrConfig, "%s is empty", s.prompt)
	}

	return line, nil
}

// readSecretFile reads a secret from a file path, stripping trailing
// newlines (common with echo/printf pipelines).
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(model.ErrConfig, err.Error())
	}

	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}

	if len(data) == 0 {
		return "", errors.Wrapf(model.ErrConfig, "secret file %s is empty", path)
	}

	return string(data), nil
}

// Store holds the run secrets. The admin password is resolved up front; the
// KEMP activation identity is resolved lazily, only when the first
// unlicensed appliance is found.
type Store struct {
	adminPassword *Source
	kempID        *Source
	kempPassword  *Source
}

// NewStore wires the secret sources from configuration.
func NewStore(opts *configuration.SecretsOptions) *Store {
	return &Store{
		adminPassword: NewSource("Appliance admin password", adminPasswordEnvVar, opts.AdminPasswordFile, true),
		kempID:        NewSource("KEMP ID", kempIDEnvVar, opts.KempIDFile, false),
		kempPassword:  NewSource("KEMP password", kempPasswordEnvVar, opts.KempPasswordFile, true),
	}
}

// AdminPassword returns the administrative password for the bal principal.
func (s *Store) AdminPassword() (string, error) {
	return s.adminPassword.Resolve()
}

// ActivationIdentity returns the KEMP ID and password used for online
// license activation.
func (s *Store) ActivationIdentity() (id, password string, err error) {
	if id, err = s.kempID.Resolve(); err != nil {
		return "", "", err
	}

	if password, err = s.kempPassword.Resolve(); err != nil {
		return "", "", err
	}

	return id, password, nil
}
