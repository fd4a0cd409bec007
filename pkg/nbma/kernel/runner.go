// Package kernel implements the kernel-programming effectors: routing and
// neighbour table edits, and the firewall trust-chain swap.
package kernel

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner executes an external command and reports its stdout, exit code,
// and stderr. It exists so the effectors in this package can be tested
// without a real network namespace.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, exitCode int, stderr string, err error)
}

// ExecRunner runs commands with os/exec. It is the default Runner used
// outside of tests.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil // exit code is reported separately; callers decide what's fatal
		}
	}
	return stdout.String(), exitCode, stderr.String(), err
}
