package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// Runner runs the genq binary against an isolated data directory.
type Runner struct {
	Binary  string
	DataDir string
	// Env is added on top of the current process environment.
	Env []string
	// GlobalArgs go before every command (e.g. the provider selection).
	GlobalArgs []string
}

// Run executes a genq command. Logs are disabled so stderr only has the
// command errors.
func (r Runner) Run(ctx context.Context, args ...string) (stdout, stderr []byte, err error) {
	var outData, errData bytes.Buffer

	all := append([]string{"--data-dir", r.DataDir}, r.GlobalArgs...)
	all = append(all, args...)
	cmd := exec.CommandContext(ctx, r.Binary, all...)
	cmd.Stdout = &outData
	cmd.Stderr = &errData

	// The last duplicated env key wins.
	env := append([]string{}, os.Environ()...)
	env = append(env, r.Env...)
	env = append(env, "GENQ_NO_LOG=true")
	cmd.Env = env

	err = cmd.Run()

	return outData.Bytes(), errData.Bytes(), err
}

// RunJSON executes a genq command with JSON output and decodes its stdout
// into out, it also decodes the error envelopes of failed commands. The
// command error is returned together with the decoding error, if any.
func (r Runner) RunJSON(ctx context.Context, out any, args ...string) (stderr []byte, err error) {
	stdout, stderr, runErr := r.Run(ctx, append(args, "--format", "json")...)
	if len(stdout) == 0 {
		if runErr != nil {
			return stderr, runErr
		}
		return stderr, fmt.Errorf("command had no output")
	}

	if err := json.Unmarshal(stdout, out); err != nil {
		return stderr, fmt.Errorf("could not decode %q: %w", stdout, err)
	}

	return stderr, runErr
}
