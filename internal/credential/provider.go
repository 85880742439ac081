package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNoCredential is returned when a provider has no token to offer.
var ErrNoCredential = errors.New("no credential available")

// Provider yields the bearer token for the upstream API. It is called on
// every refresh; implementations must not assume the token is cached.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static returns a fixed token.
type Static string

func (s Static) Token(_ context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// Env reads the token from an environment variable at call time.
type Env struct {
	Key string
}

func (e Env) Token(_ context.Context) (string, error) {
	if e.Key == "" {
		return "", fmt.Errorf("%w: no environment variable configured", ErrNoCredential)
	}
	val := strings.TrimSpace(os.Getenv(e.Key))
	if val == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrNoCredential, e.Key)
	}
	return val, nil
}

// Command runs an external secret manager (for example `op read op://vault/notion/key`)
// and uses its trimmed stdout as the token.
type Command struct {
	Name string
	Args []string
}

// NewCommand builds a Command from an argv slice. It returns nil for an
// empty slice.
func NewCommand(argv []string) *Command {
	if len(argv) == 0 || argv[0] == "" {
		return nil
	}
	return &Command{Name: argv[0], Args: argv[1:]}
}

func (c *Command) Token(ctx context.Context) (string, error) {
	if c == nil || c.Name == "" {
		return "", fmt.Errorf("%w: no secret command configured", ErrNoCredential)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("secret command %s: %w: %s", c.Name, err, msg)
		}
		return "", fmt.Errorf("secret command %s: %w", c.Name, err)
	}

	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return "", fmt.Errorf("%w: secret command %s printed nothing", ErrNoCredential, c.Name)
	}
	return token, nil
}

// Chain tries each provider in order and returns the first token found.
// Nil entries are skipped.
type Chain []Provider

func (c Chain) Token(ctx context.Context) (string, error) {
	var errs []error
	for _, p := range c {
		if p == nil {
			continue
		}
		token, err := p.Token(ctx)
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return "", ErrNoCredential
	}
	return "", errors.Join(append([]error{ErrNoCredential}, errs...)...)
}
