package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/yamatovision/bluelamp/internal/events"
)

// runCommand executes a CmdRunAction through sh -c in the workspace.
// Non-zero exits are reported in the observation, not as errors.
func (r *Runtime) runCommand(ctx context.Context, a events.Action) (events.Observation, error) {
	act := a.(*events.CmdRunAction)
	command := strings.TrimSpace(act.Command)
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if act.IsInput {
		return nil, fmt.Errorf("sending input to a running process is not supported")
	}

	lower := strings.ToLower(command)
	for _, denied := range r.cfg.DeniedCommands {
		if denied != "" && strings.Contains(lower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	timeout := r.cfg.CommandTimeout
	if act.Timeout > 0 {
		timeout = time.Duration(act.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.workspace
	// Children that outlive sh keep the pipe open; stop waiting for them.
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	obs := &events.CmdOutputObservation{
		Content: truncateOutput(out.String(), r.cfg.MaxOutputBytes),
		Command: act.Command,
	}
	if cmd.Process != nil {
		obs.PID = cmd.Process.Pid
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		obs.ExitCode = -1
		obs.Content += fmt.Sprintf("\n[Command timed out after %s]", timeout)
		return obs, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
		obs.ExitCode = exitErr.ExitCode()
	}
	return obs, nil
}

// truncateOutput caps s at maxBytes, noting the cut.
func truncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
