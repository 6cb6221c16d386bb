package coordinator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
)

// DefaultActionTimeout bounds one action's command.
const DefaultActionTimeout = 60 * time.Second

// NoopExecutor treats every action as successful. Default when no
// executor is injected; useful for MANUAL-strategy plans where the
// lifecycle is tracked but a human performs the steps.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, plan *models.RemediationPlan, action models.RemediationAction) error {
	return nil
}

// ShellExecutor runs bound action commands as subprocesses. A non-zero
// exit is the action failing its step; for VERIFY that is the halt
// signal the coordinator acts on.
type ShellExecutor struct {
	Timeout time.Duration
	// Dir is the working directory for action commands.
	Dir string
}

func (e ShellExecutor) Execute(ctx context.Context, plan *models.RemediationPlan, action models.RemediationAction) error {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = DefaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := splitCommand(action.Command)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}

	log := logging.From(ctx)
	log.Debug("executor", "running action",
		"plan_id", plan.ID, "step", string(action.Step), "command", parts[0])

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = e.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", parts[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// splitCommand tokenizes a command line, honoring single and double quotes.
func splitCommand(command string) []string {
	var parts []string
	var current strings.Builder
	var quote rune

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
