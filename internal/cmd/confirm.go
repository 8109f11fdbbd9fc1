// internal/cmd/confirm.go
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/FairForge/shipyard/internal/devops"
)

// confirm asks the operator to type the environment name before a
// production change. Non-production environments, dry runs and --force
// skip the prompt.
func confirm(in io.Reader, out io.Writer, env devops.Environment, action string, force, dryRun bool) error {
	if force || dryRun || !env.IsProduction() {
		return nil
	}
	_, _ = fmt.Fprintf(out, "About to %s in %s. Type the environment name to continue: ", action, env)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return fmt.Errorf("confirmation not received: %w", devops.ErrAborted)
	}
	if strings.TrimSpace(line) != string(env) {
		return fmt.Errorf("confirmation %q does not match %s: %w", strings.TrimSpace(line), env, devops.ErrAborted)
	}
	return nil
}
