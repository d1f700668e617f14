package workerrt

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// shellJobData is the JobData payload shape ShellExecutor expects: a
// command and its arguments, run as a subprocess with JobData's own fields
// mapped onto the process's exit status.
type shellJobData struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// ShellExecutor runs a job's JobData as a subprocess, for job names that
// wrap an existing script or binary rather than in-process Go code.
// Grounded on the CommandContext/CombinedOutput pattern media_tools.go uses
// for its ffmpeg/pdftoppm/soffice invocations, generalized from a fixed
// binary to whatever command the occurrence's payload names.
//
// A non-zero exit is reported as a permanent failure: a subprocess that
// exits non-zero on bad input will keep exiting non-zero on retry, and the
// worker has no way to distinguish "transient" from "broken command" short
// of the process's own exit code convention.
type ShellExecutor struct{}

func (ShellExecutor) Execute(ctx context.Context, job JobInput) (string, error) {
	var payload shellJobData
	if err := json.Unmarshal([]byte(job.JobData), &payload); err != nil {
		return "", Permanent(fmt.Errorf("decode shell job data: %w", err))
	}
	if payload.Command == "" {
		return "", Permanent(fmt.Errorf("shell job %s: empty command", job.JobName))
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), Permanent(fmt.Errorf("command %q failed: %w; output=%s", payload.Command, err, strings.TrimSpace(string(out))))
	}
	return strings.TrimSpace(string(out)), nil
}
