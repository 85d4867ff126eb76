// ============================================================================
// sjs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Daemon and client commands based on the Cobra framework
//
// Command Structure:
//   sjs                            # Root command
//   ├── run                        # Start the scheduling daemon
//   │   └── --max-jobs-running     # Override daemon.max_jobs
//   ├── submit [command...]        # Queue a shell command
//   │   ├── --file, -f            # One job per non-empty line
//   │   └── --git, --make         # Pre-hooks to run before the request
//   ├── stat                       # Show running / queued jobs
//   │   └── --remote              # Query a daemon's gRPC endpoint instead
//   ├── configure <max_jobs>       # Change the concurrency limit
//   ├── cancel <id|all>            # Remove pending jobs
//   ├── shutdown                   # Stop an idle daemon
//   ├── check-running              # Exit 0 iff a daemon serves the pipe
//   ├── journal                    # Print the job lifecycle journal
//   ├── --config, -c               # Config file (YAML, or TOML by extension)
//   ├── --pipe                     # Override daemon.pipe
//   └── --json                     # Raw JSON output even on a terminal
//
// Configuration Management:
//   Defaults < config file < flags. A missing config file is not an error:
//   the defaults are used so client commands work without one.
//
// run Command:
//   1. Load config and build the logger
//   2. Create and start the daemon (lock, FIFO, loops)
//   3. Start the HTTP status / metrics server and gRPC server (if enabled)
//   4. Wait for a shutdown request or SIGINT / SIGTERM
//   5. Stop servers and daemon
//
//   Examples:
//     ./sjs run
//     ./sjs run -c configs/default.yaml --max-jobs-running 8
//
// Client Commands:
//   Each client command performs one FIFO round trip (see internal/client).
//   A non-zero response code is printed and turned into a non-zero exit.
//
//   Examples:
//     ./sjs submit -- make -C src test
//     ./sjs submit --make -f jobs.txt
//     ./sjs cancel all
//     ./sjs configure 2
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/sjs/internal/client"
	"github.com/ChuLiYu/sjs/internal/config"
	"github.com/ChuLiYu/sjs/internal/protocol"
)

var (
	// ErrRequestFailed the daemon answered with a non-zero code
	ErrRequestFailed = errors.New("request failed")
)

var (
	configFile string
	pipePath   string
	replyDir   string
	timeout    time.Duration
	jsonOutput bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sjs",
		Short: "sjs: a single-node shell job scheduler",
		Long: `sjs runs queued shell commands with a bounded concurrency limit.
- Requests arrive over a named pipe
- Pending jobs can be cancelled and the limit changed at runtime
- Status is available over the pipe, HTTP, and gRPC`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&pipePath, "pipe", "", "inbound pipe path (overrides daemon.pipe)")
	rootCmd.PersistentFlags().StringVar(&replyDir, "reply-dir", "", "directory for reply pipes (default: system temp dir)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for a reply")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatCommand())
	rootCmd.AddCommand(buildConfigureCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildShutdownCommand())
	rootCmd.AddCommand(buildCheckRunningCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// loadConfig applies defaults, the config file (if present) and --pipe.
//
// found reports whether the config file existed.
func loadConfig() (*config.Config, bool, error) {
	cfg, found, err := config.LoadOrDefault(configFile)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load config: %w", err)
	}
	if pipePath != "" {
		cfg.Daemon.Pipe = pipePath
	}
	return cfg, found, nil
}

func newClient(cfg *config.Config) *client.Client {
	c := client.New(cfg.Daemon.Pipe)
	c.ReplyDir = replyDir
	c.Timeout = timeout
	return c
}

// replyError turns a non-zero response code into a command error.
func replyError(reply protocol.Reply) error {
	if !reply.Failed() {
		return nil
	}
	return fmt.Errorf("%w: code %d (%s): %s", ErrRequestFailed, reply.Code, reply.Code, reply.Message)
}
