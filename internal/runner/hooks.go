package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ChuLiYu/sjs/pkg/types"
)

// HookRunner executes pre-hooks synchronously before a request is handled.
type HookRunner interface {
	Run(ctx context.Context, hook string) error
}

// ShellHookRunner runs each hook's command line through a shell and waits for it.
type ShellHookRunner struct {
	Shell    string
	Dir      string
	Commands map[string]string // hook name -> command line
}

// Hook names.
const (
	HookGit  = "git"
	HookMake = "make"
)

// Hooks lists the hook names requested by a job's flags, in execution order.
func Hooks(h types.PreHooks) []string {
	var names []string
	if h.Git {
		names = append(names, HookGit)
	}
	if h.Make {
		names = append(names, HookMake)
	}
	return names
}

// Run implements HookRunner.
func (r *ShellHookRunner) Run(ctx context.Context, hook string) error {
	line, ok := r.Commands[hook]
	if !ok || strings.TrimSpace(line) == "" {
		return fmt.Errorf("hook %q: %w", hook, ErrEmptyCommand)
	}

	cmd := exec.CommandContext(ctx, r.Shell, "-c", line)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook %q (%s): %w: %s", hook, line, err, strings.TrimSpace(string(out)))
	}
	return nil
}
