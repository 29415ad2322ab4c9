package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	perrors "stakeportal/core/errors"
)

// ErrDeclined reports that the operator left the prompt empty. It matches
// core/errors.ErrUserRejected so wallet callers treat it as a rejection.
var ErrDeclined = fmt.Errorf("passphrase prompt declined: %w", perrors.ErrUserRejected)

// Prompter reads a secret after displaying label.
type Prompter func(label string) (string, error)

// Source lazily resolves a keystore passphrase from an environment variable,
// a file or by prompting the operator. The value is cached after the first
// successful retrieval so repeated signing requests reuse the same secret.
type Source struct {
	envVar string
	file   string
	label  string
	prompt Prompter

	mu    sync.Mutex
	value string
	ok    bool
}

// Option customises a Source.
type Option func(*Source)

// WithFile reads the passphrase from path when the environment variable is unset.
func WithFile(path string) Option {
	return func(s *Source) { s.file = strings.TrimSpace(path) }
}

// WithPrompter replaces the terminal prompt.
func WithPrompter(prompt Prompter) Option {
	return func(s *Source) {
		if prompt != nil {
			s.prompt = prompt
		}
	}
}

// WithLabel changes the text shown before reading.
func WithLabel(label string) Option {
	return func(s *Source) {
		if strings.TrimSpace(label) != "" {
			s.label = label
		}
	}
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		label:  "Enter wallet keystore passphrase: ",
		prompt: terminalPrompt,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Get returns the cached passphrase or resolves it. A declined prompt is not
// cached so the next signing request asks again.
func (s *Source) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok {
		return s.value, nil
	}
	value, err := s.resolve()
	if err != nil {
		return "", err
	}
	s.value, s.ok = value, true
	return value, nil
}

// Forget drops the cached value, for example after a failed decrypt.
func (s *Source) Forget() {
	s.mu.Lock()
	s.value, s.ok = "", false
	s.mu.Unlock()
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if s.file != "" {
		data, err := os.ReadFile(s.file)
		if err != nil {
			return "", fmt.Errorf("read passphrase file: %w", err)
		}
		value := strings.TrimRight(string(data), "\r\n")
		if strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("passphrase file %s is empty", s.file)
		}
		return value, nil
	}

	value, err := s.prompt(s.label)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrDeclined
	}
	return value, nil
}

func terminalPrompt(label string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("wallet keystore passphrase required and no terminal available")
	}
	fmt.Fprint(os.Stderr, label)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(bytes), nil
}
