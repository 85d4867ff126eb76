package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/sjs/internal/client"
	"github.com/ChuLiYu/sjs/internal/journal"
	"github.com/ChuLiYu/sjs/internal/protocol"
	"github.com/ChuLiYu/sjs/internal/rpcserver"
	"github.com/ChuLiYu/sjs/pkg/types"
)

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var jobFile string
	var hooks types.PreHooks

	cmd := &cobra.Command{
		Use:   "submit [command...]",
		Short: "Submit a shell command to the queue",
		Long:  "Submit a command line, or one job per non-empty line of --file. Lines starting with # are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var commands []string
			switch {
			case jobFile != "" && len(args) > 0:
				return fmt.Errorf("use either a command or --file, not both")
			case jobFile != "":
				lines, err := readJobFile(jobFile)
				if err != nil {
					return err
				}
				commands = lines
			case len(args) > 0:
				commands = []string{strings.Join(args, " ")}
			default:
				return fmt.Errorf("a command or --file is required")
			}
			return submitJobs(cmd, commands, hooks)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "file with one command per line")
	cmd.Flags().BoolVar(&hooks.Git, "git", false, "run the git pre-hook before submitting")
	cmd.Flags().BoolVar(&hooks.Make, "make", false, "run the make pre-hook before submitting")

	return cmd
}

func readJobFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	defer f.Close()

	var commands []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		commands = append(commands, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("no commands in %s", path)
	}
	return commands, nil
}

func submitJobs(cmd *cobra.Command, commands []string, hooks types.PreHooks) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	c := newClient(cfg)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// 上限為 0 時任務只會排隊，提醒使用者
	if stat, _, err := c.Stat(ctx); err == nil && stat.MaxJobsRunning != nil && *stat.MaxJobsRunning <= 0 {
		fmt.Fprintf(cmd.ErrOrStderr(),
			"warning: max_jobs_running is %d, jobs stay queued until it is raised with 'sjs configure'\n",
			*stat.MaxJobsRunning)
	}

	for i, command := range commands {
		// pre-hooks 只需在第一個請求執行一次
		h := hooks
		if i > 0 {
			h = types.PreHooks{}
		}
		reply, raw, err := c.RoundTrip(ctx, protocol.Request{
			Type: protocol.TypeSubmitJob,
			Run:  command,
			Git:  h.Git,
			Make: h.Make,
		})
		if err != nil {
			return err
		}
		printReply(out, reply, raw)
		if err := replyError(reply); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// stat
// ============================================================================

func buildStatCommand() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Show daemon status",
		Long:  "Show running and queued jobs and the concurrency limit. --remote queries a daemon's gRPC endpoint.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var (
				reply protocol.Reply
				raw   json.RawMessage
				err   error
			)
			if remote != "" {
				rc, dialErr := rpcserver.Dial(remote)
				if dialErr != nil {
					return dialErr
				}
				defer rc.Close()
				reply, raw, err = rc.Stat(ctx)
			} else {
				cfg, _, cfgErr := loadConfig()
				if cfgErr != nil {
					return cfgErr
				}
				reply, raw, err = newClient(cfg).Stat(ctx)
			}
			if err != nil {
				return err
			}

			printStat(cmd.OutOrStdout(), reply, raw)
			return replyError(reply)
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a remote daemon (host:port)")
	return cmd
}

// ============================================================================
// configure / cancel
// ============================================================================

func buildConfigureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configure <max_jobs>",
		Short: "Change the concurrency limit",
		Long:  "Set max_jobs_running. Raising it starts queued jobs immediately; lowering it never stops running jobs.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("max_jobs must be an integer: %w", err)
			}
			return roundTrip(cmd, protocol.Request{Type: protocol.TypeConfigure, MaxJobs: &n})
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id|all>",
		Short: "Cancel pending jobs",
		Long:  "Remove a queued job by id, or every queued job with 'all' or '*'. Running jobs are never cancelled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := types.ParseCancelTarget(args[0])
			if err != nil {
				return err
			}
			raw, err := json.Marshal(target)
			if err != nil {
				return err
			}
			return roundTrip(cmd, protocol.Request{Type: protocol.TypeCancel, JobToCancel: raw})
		},
	}
}

func roundTrip(cmd *cobra.Command, req protocol.Request) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	reply, raw, err := newClient(cfg).RoundTrip(cmd.Context(), req)
	if err != nil {
		return err
	}
	printReply(cmd.OutOrStdout(), reply, raw)
	return replyError(reply)
}

// ============================================================================
// shutdown / check-running
// ============================================================================

func buildShutdownCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon if it is idle",
		Long:  "Ask the daemon to stop. Refused (locally and by the daemon) while jobs are running or queued.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			c := newClient(cfg)
			ctx := cmd.Context()

			stat, _, err := c.Stat(ctx)
			if err != nil {
				return err
			}
			if busy(stat) {
				return fmt.Errorf("daemon is busy: %s running, %s queued",
					intOrDash(stat.JobsRunning), intOrDash(stat.NumJobsQueued))
			}

			reply, raw, err := c.RoundTrip(ctx, protocol.Request{Type: protocol.TypeShutdown})
			if err != nil {
				return err
			}
			printReply(cmd.OutOrStdout(), reply, raw)
			if err := replyError(reply); err != nil {
				return err
			}
			return waitGone(ctx, cfg.Daemon.Pipe, timeout)
		},
	}
	return cmd
}

func busy(stat protocol.Reply) bool {
	return (stat.JobsRunning != nil && *stat.JobsRunning > 0) ||
		(stat.NumJobsQueued != nil && *stat.NumJobsQueued > 0)
}

// waitGone 等待入站 FIFO 被移除
func waitGone(ctx context.Context, pipe string, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for client.CheckRunning(pipe) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon accepted shutdown but %s still exists", pipe)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

func buildCheckRunningCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-running",
		Short: "Check whether a daemon is serving the pipe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if !client.CheckRunning(cfg.Daemon.Pipe) {
				fmt.Fprintln(cmd.OutOrStdout(), "not running")
				return fmt.Errorf("%s: %w", cfg.Daemon.Pipe, client.ErrDaemonNotRunning)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "running")
			return nil
		},
	}
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var path string
	var tail int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the job lifecycle journal",
		Long:  "Print SUBMIT / LAUNCH / EXIT / CANCEL / CONFIGURE events recorded by the daemon. Checksums are verified.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Journal.Path
			}

			events, err := journal.ReadFile(path)
			if err != nil && !errors.Is(err, journal.ErrCorrupted) && !errors.Is(err, journal.ErrChecksumMismatch) {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			if tail > 0 && len(events) > tail {
				events = events[len(events)-tail:]
			}
			printJournal(cmd.OutOrStdout(), events)
			if err != nil {
				// 已讀出的事件仍然輸出，再回報損毀位置
				return fmt.Errorf("journal is damaged after %d events: %w", len(events), err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "journal file (default: journal.path from config)")
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "only print the last n events")
	return cmd
}
