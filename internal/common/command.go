// internal/common/command.go
package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

// stderr kept for error messages
const maxStderr = 4096

// Command is a shell-like command line split into arguments. Placeholders
// of the form {name} are expanded per argument after splitting, so values
// containing spaces or quotes never change the argument layout.
type Command struct {
	Args []string
}

// ParseCommand splits line with shell quoting rules and expands vars
func ParseCommand(line string, vars map[string]string) (Command, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(tokens) == 0 {
		return Command{}, errors.New("empty command")
	}
	for i, tok := range tokens {
		for k, v := range vars {
			tok = strings.ReplaceAll(tok, "{"+k+"}", v)
		}
		tokens[i] = tok
	}
	return Command{Args: tokens}, nil
}

// Name is the executable
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Run executes the command. A non-nil stdin is fed to the process and a
// non-nil stdout receives its output. Failures carry the tail of stderr.
func (c Command) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if len(c.Args) == 0 {
		return errors.New("empty command")
	}
	var errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) // #nosec G204
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", c.Name(), ctx.Err())
		}
		msg := strings.TrimSpace(errBuf.String())
		if len(msg) > maxStderr {
			msg = msg[len(msg)-maxStderr:]
		}
		if msg != "" {
			return fmt.Errorf("%s: %w - %s", c.Name(), err, msg)
		}
		return fmt.Errorf("%s: %w", c.Name(), err)
	}
	return nil
}

// Output runs the command and returns its trimmed stdout
func (c Command) Output(ctx context.Context) (string, error) {
	var out bytes.Buffer
	if err := c.Run(ctx, nil, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
