package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"addinhost/pkg/plugin"
)

// ProcessSandbox runs actions as child processes with a scrubbed
// environment. Granted capabilities are passed in ADDIN_CAPS.
type ProcessSandbox struct {
	limits ResourceLimits
	// PassEnv lists host variables copied into the child environment.
	PassEnv []string
}

func NewProcessSandbox(limits ResourceLimits) *ProcessSandbox {
	return &ProcessSandbox{limits: limits, PassEnv: []string{"PATH", "HOME", "TMPDIR"}}
}

func (s *ProcessSandbox) Execute(ctx context.Context, action Action, perms plugin.Permission) error {
	if action.Path == "" {
		return plugin.NewError(plugin.KindConfiguration, "", action.Name,
			fmt.Errorf("process sandbox requires an executable path"))
	}

	if s.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, action.Path, action.Args...)
	cmd.Dir = action.Dir
	cmd.Stdout = action.Stdout
	cmd.Stderr = action.Stderr
	cmd.Env = s.environ(perms)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return plugin.NewError(plugin.KindTimeout, "", action.Name,
			fmt.Errorf("process exceeded %s", s.limits.Timeout))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return plugin.NewError(plugin.KindFatal, "", action.Name,
			fmt.Errorf("process exited with code %d", exitErr.ExitCode()))
	}
	return plugin.NewError(plugin.KindLoad, "", action.Name, ScrubError(err))
}

func (s *ProcessSandbox) environ(perms plugin.Permission) []string {
	env := []string{capsEnv(perms)}
	for _, key := range s.PassEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
