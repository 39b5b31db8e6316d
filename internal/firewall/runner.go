package firewall

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runner executes nft with the given arguments and optional stdin.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error)
}

// ExecRunner runs the nft binary.
type ExecRunner struct {
	Binary string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "nft"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s %s: %w", binary, strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, msg)
	}
	return stdout.Bytes(), nil
}
