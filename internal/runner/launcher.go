// ============================================================================
// sjs Runner - Child Process Execution
// ============================================================================
//
// Package: internal/runner
// File: launcher.go
// Function: Starts job commands as child processes of the daemon
//
// How it works:
//   The launcher only starts a process and hands back its pid. It never waits
//   for it: exit detection belongs to the reaper, which probes every tracked
//   pid when a SIGCHLD (or the periodic tick) arrives.
//
//   ┌────────────────┐  Launch(job)   ┌───────────────┐
//   │ Scheduler Loop │ ─────────────> │ ShellLauncher │ ── fork/exec ──> child
//   └────────────────┘ <── pid ────── └───────────────┘
//
// Execution Model:
//   Each job runs as `<shell> -c <command>` in the configured working
//   directory, inheriting the daemon's stdout/stderr. Output capture is not
//   part of the daemon.
//
// ============================================================================

package runner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/ChuLiYu/sjs/pkg/types"
)

// ErrEmptyCommand is returned when a job has nothing to run.
var ErrEmptyCommand = errors.New("empty command")

// Launcher starts a job and returns the pid of the child process.
type Launcher interface {
	Launch(job types.Job) (int, error)
}

// ShellLauncher runs job commands through a shell.
//
// Stdout and Stderr should be *os.File values: any other writer makes
// os/exec start a copy goroutine whose pipe is only closed by Wait, and
// launched jobs are never waited on here.
type ShellLauncher struct {
	Shell  string    // e.g. /bin/sh
	Dir    string    // working directory, "" = daemon cwd
	Env    []string  // nil = inherit
	Stdout io.Writer // nil = discard
	Stderr io.Writer // nil = discard
	Logger *slog.Logger
}

// NewShellLauncher creates a launcher that inherits the daemon's output streams.
func NewShellLauncher(shell, dir string) *ShellLauncher {
	return &ShellLauncher{
		Shell:  shell,
		Dir:    dir,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Launch starts the job without waiting for it.
func (l *ShellLauncher) Launch(job types.Job) (int, error) {
	if strings.TrimSpace(job.Command) == "" {
		return 0, ErrEmptyCommand
	}

	cmd := l.command(job.Command)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start job %d: %w", job.ID, err)
	}

	pid := cmd.Process.Pid
	// The child is running from here on: a failed Release must not hide its pid
	// from the caller, or its slot would be given away.
	if err := cmd.Process.Release(); err != nil {
		l.logger().Warn("Failed to release process handle", "jobID", job.ID, "pid", pid, "error", err)
	}
	return pid, nil
}

func (l *ShellLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *ShellLauncher) command(line string) *exec.Cmd {
	cmd := exec.Command(l.Shell, "-c", line)
	cmd.Dir = l.Dir
	cmd.Env = l.Env
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	return cmd
}
