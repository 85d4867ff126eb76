// ============================================================================
// sjs Daemon - 排程守護程式
// ============================================================================
//
// Package: internal/daemon
// 文件: daemon.go
// 功能: 組裝所有元件並管理守護程式的生命週期
//
// 核心組件:
//   - JobQueue: 待執行任務（FIFO，可依 ID 取消）
//   - admission.Controller: 並發上限與 running map
//   - Reaper: SIGCHLD 對帳，唯一釋放名額的路徑
//   - Dispatcher: 入站請求的唯一消費者
//   - Listener: 從具名管道讀取請求
//
// 四個循環:
//   1. scheduleLoop: 佇列非空 + 取得名額 → 取出頭部 → 啟動子程序
//   2. reaper.Run:   子程序結束 → Release(pid)
//   3. Serve:        intake → Dispatcher
//   4. listener:     FIFO → intake（收到 sentinel 後結束）
//
// 狀態機:
//   Running ──shutdown（已確認閒置，sentinel 已寫入）──> ShutdownRequested
//   ShutdownRequested ──listener 結束，FIFO 已移除──> Terminated
//   Terminated 不會再轉回其他狀態
//
// 單一實例:
//   啟動前以 flock 鎖住 <pipe>.lock；鎖被持有代表另一個守護程式正在使用同一管道。
//   鎖是空閒的但管道仍存在時，視為上一個實例崩潰留下的殘留，警告後沿用。
//
// ============================================================================

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/sjs/internal/admission"
	"github.com/ChuLiYu/sjs/internal/config"
	"github.com/ChuLiYu/sjs/internal/dispatcher"
	"github.com/ChuLiYu/sjs/internal/jobqueue"
	"github.com/ChuLiYu/sjs/internal/journal"
	"github.com/ChuLiYu/sjs/internal/listener"
	"github.com/ChuLiYu/sjs/internal/metrics"
	"github.com/ChuLiYu/sjs/internal/protocol"
	"github.com/ChuLiYu/sjs/internal/reaper"
	"github.com/ChuLiYu/sjs/internal/runner"
	"github.com/ChuLiYu/sjs/pkg/types"
)

var (
	// ErrAlreadyRunning 另一個守護程式持有同一管道的鎖
	ErrAlreadyRunning = errors.New("another daemon is already serving this pipe")
	// ErrAlreadyStarted Start 被呼叫超過一次
	ErrAlreadyStarted = errors.New("daemon already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 守護程式生命週期狀態
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateShutdownRequested
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShutdownRequested:
		return "shutdown_requested"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options 可替換的協作者；零值使用正式實作
type Options struct {
	ConfigPath string                // 設定檔路徑，daemon.watch_config 啟用時監看
	Logger     *slog.Logger          // nil → slog.Default()
	Registerer prometheus.Registerer // nil → 守護程式自己的 Registry
	Launcher   runner.Launcher       // nil → ShellLauncher
	Prober     runner.Prober         // nil → WaitProber
	Hooks      runner.HookRunner     // nil → ShellHookRunner（依設定的 hook 指令）
	Replies    dispatcher.ReplyWriter
}

// Daemon 排程守護程式
type Daemon struct {
	cfg         config.Config
	configPath  string
	fileMaxJobs int // 設定檔上次載入時的 daemon.max_jobs，只由 watcher 讀寫
	logger      *slog.Logger

	queue      *jobqueue.JobQueue
	adm        *admission.Controller
	reaper     *reaper.Reaper
	launcher   runner.Launcher
	dispatcher *dispatcher.Dispatcher
	listener   *listener.Listener
	metrics    *metrics.Collector
	journal    *journal.Journal
	lock       *flock.Flock

	intake     chan protocol.Request
	instanceID string
	startedAt  time.Time
	state      atomic.Int32

	cancel       context.CancelFunc
	loopWg       sync.WaitGroup
	listenerDone chan struct{} // listener 結束且 FIFO 已移除
	served       chan struct{} // Dispatcher.Serve 已返回
	listenErr    error

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// ============================================================================
// 建構
// ============================================================================

// New 建立守護程式；不接觸檔案系統，直到 Start
//
// 參數：
//   - cfg: 已驗證的設定
//   - opts: 可替換的協作者
//
// 返回值：
//   - *Daemon: 守護程式實例
//   - error: 設定無效
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := uuid.NewString()
	logger = logger.With("instance", instanceID)

	adm, err := admission.New(cfg.Daemon.MaxJobs)
	if err != nil {
		return nil, err
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	d := &Daemon{
		cfg:          *cfg,
		configPath:   opts.ConfigPath,
		logger:       logger,
		queue:        jobqueue.NewJobQueue(),
		adm:          adm,
		metrics:      metrics.NewCollector(reg),
		lock:         flock.New(cfg.Daemon.Pipe + ".lock"),
		intake:       make(chan protocol.Request, cfg.Daemon.IntakeBuffer),
		instanceID:   instanceID,
		listenerDone: make(chan struct{}),
		served:       make(chan struct{}),
	}

	d.launcher = opts.Launcher
	if d.launcher == nil {
		sl := runner.NewShellLauncher(cfg.Daemon.Shell, cfg.Daemon.Workdir)
		sl.Logger = logger
		d.launcher = sl
	}
	prober := opts.Prober
	if prober == nil {
		prober = runner.WaitProber{}
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = &runner.ShellHookRunner{
			Shell:    cfg.Daemon.Shell,
			Dir:      cfg.Daemon.Workdir,
			Commands: cfg.HookCommands(),
		}
	}
	replies := opts.Replies
	if replies == nil {
		replies = listener.NewFIFOReplyWriter(cfg.Daemon.ReplyTimeout.Std())
	}

	d.reaper = reaper.New(adm, prober, reaper.Config{
		Interval: cfg.Daemon.ReapInterval.Std(),
		OnExit:   d.onExit,
		Logger:   logger,
	})
	d.dispatcher = dispatcher.New(d.queue, adm, hooks, replies, dispatcher.Config{
		HookSlotWait: cfg.Hooks.SlotWait.Std(),
		InstanceID:   instanceID,
		OnShutdown:   d.requestShutdown,
		Metrics:      d.metrics,
		Logger:       logger,
	})
	// sentinel 只在 shutdown 請求通過閒置檢查後才有效
	d.listener = listener.New(cfg.Daemon.Pipe, d.intake, d.dispatcher.Draining, logger)
	return d, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 取得單一實例鎖、建立 FIFO、開啟 journal 並啟動所有循環
func (d *Daemon) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	d.startOnce.Do(func() { err = d.start(ctx) })
	return err
}

func (d *Daemon) start(ctx context.Context) error {
	pipe := d.cfg.Daemon.Pipe

	// 1. 單一實例鎖
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", d.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", pipe, ErrAlreadyRunning)
	}

	// 2. 入站 FIFO
	created, err := listener.EnsureFIFO(pipe)
	if err != nil {
		d.lock.Unlock()
		return fmt.Errorf("failed to create inbound channel: %w", err)
	}
	if !created {
		d.logger.Warn("Reusing stale inbound channel left by a previous instance", "pipe", pipe)
	}

	// 3. Journal（只做稽核，不重播）
	if d.cfg.Journal.Enabled {
		j, err := journal.Open(d.cfg.Journal.Path, d.cfg.Journal.Sync)
		if err != nil {
			listener.RemoveFIFO(pipe)
			d.lock.Unlock()
			return fmt.Errorf("failed to open journal: %w", err)
		}
		d.journal = j
		d.dispatcher.SetJournal(j)
	}

	d.startedAt = time.Now()
	d.dispatcher.SetStartedAt(d.startedAt)
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.started.Store(true)
	d.state.Store(int32(StateRunning))
	d.updateGauges()

	// 4. 循環
	d.loopWg.Add(3)
	go func() {
		defer d.loopWg.Done()
		d.reaper.Run(runCtx)
	}()
	go d.scheduleLoop(runCtx)
	go func() {
		defer d.loopWg.Done()
		defer close(d.served)
		d.dispatcher.Serve(runCtx, d.intake)
		d.logger.Info("Dispatcher stopped")
	}()
	go d.listenLoop(runCtx)

	if d.cfg.Daemon.WatchConfig && d.configPath != "" {
		d.fileMaxJobs = d.cfg.Daemon.MaxJobs
		if fc, err := config.Load(d.configPath); err == nil {
			d.fileMaxJobs = fc.Daemon.MaxJobs
		}
		w, err := config.NewWatcher(d.configPath, d.applyConfig, d.logger)
		if err != nil {
			d.logger.Warn("Config hot reload disabled", "path", d.configPath, "error", err)
		} else {
			d.loopWg.Add(1)
			go func() {
				defer d.loopWg.Done()
				w.Run(runCtx)
			}()
		}
	}

	d.logger.Info("Daemon started",
		"pipe", pipe,
		"max_jobs", d.adm.Max(),
		"pid", os.Getpid())
	return nil
}

// listenLoop 讀取入站通道；結束後移除 FIFO 並關閉 intake
func (d *Daemon) listenLoop(ctx context.Context) {
	defer close(d.listenerDone)

	err := d.listener.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("Listener stopped with error", "error", err)
		d.listenErr = err
	}

	// FIFO 消失是「沒有守護程式在執行」的對外訊號
	if rmErr := listener.RemoveFIFO(d.cfg.Daemon.Pipe); rmErr != nil {
		d.logger.Error("Failed to remove inbound channel", "pipe", d.cfg.Daemon.Pipe, "error", rmErr)
	}
	// listener 是 intake 唯一的寫入者；剩下的請求由 Dispatcher 以 code 4 回覆
	close(d.intake)
	d.state.Store(int32(StateTerminated))
	d.logger.Info("Listener stopped, inbound channel removed")
}

// requestShutdown 由 Dispatcher 在確認閒置後呼叫
func (d *Daemon) requestShutdown() error {
	if err := listener.WriteSentinel(d.cfg.Daemon.Pipe); err != nil {
		return err
	}
	d.state.CompareAndSwap(int32(StateRunning), int32(StateShutdownRequested))
	return nil
}

// Run 啟動守護程式並阻塞，直到 shutdown 請求完成或 ctx 結束
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Stop signal received")
	case <-d.served:
	}
	return d.Stop()
}

// Stop 停止所有循環並釋放資源；可重複呼叫
//
// 關閉順序：
//  1. cancel       → listener / reaper / dispatcher 返回
//  2. Close 佇列與准入控制器 → scheduleLoop 從等待中醒來並返回
//  3. 等待 listener（FIFO 移除）與所有循環
//  4. 釋放鎖、關閉 journal
func (d *Daemon) Stop() error {
	if !d.started.Load() {
		return nil
	}

	d.stopOnce.Do(func() {
		d.cancel()
		d.queue.Close()
		d.adm.Close()

		<-d.listenerDone
		d.loopWg.Wait()

		if snap := d.adm.Snapshot(); snap.RunningCount > 0 {
			d.logger.Warn("Stopping with jobs still running, they are left to finish on their own",
				"jobs_running", snap.RunningCount)
		}
		if err := d.lock.Unlock(); err != nil {
			d.logger.Error("Failed to release lock", "path", d.lock.Path(), "error", err)
		}
		if err := d.journal.Close(); err != nil {
			d.logger.Error("Failed to close journal", "error", err)
		}
		d.state.Store(int32(StateTerminated))
		d.logger.Info("Daemon stopped", "uptime", time.Since(d.startedAt).Truncate(time.Millisecond))
	})
	return d.listenErr
}

// ============================================================================
// 公開查詢
// ============================================================================

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Stat 與 stat 請求相同的快照，供 HTTP / gRPC 狀態端點使用
func (d *Daemon) Stat() protocol.StatResponse {
	return d.dispatcher.Stat()
}

// InstanceID returns the id reported in stat responses.
func (d *Daemon) InstanceID() string {
	return d.instanceID
}

// Metrics returns the daemon's collector.
func (d *Daemon) Metrics() *metrics.Collector {
	return d.metrics
}

// Pipe returns the inbound channel path.
func (d *Daemon) Pipe() string {
	return d.cfg.Daemon.Pipe
}

// Served is closed once the dispatcher has answered its last request.
func (d *Daemon) Served() <-chan struct{} {
	return d.served
}

// ============================================================================
// 回呼
// ============================================================================

func (d *Daemon) onExit(entry types.RunningEntry, info runner.ExitInfo) {
	d.metrics.RecordReaped(time.Since(entry.StartedAt).Seconds())
	d.appendJournal(journal.Event{
		Type:    journal.EventExit,
		JobID:   entry.Job.ID,
		PID:     entry.PID,
		Command: entry.Job.Command,
		Detail:  info.String(),
	})
	d.updateGauges()
}

// applyConfig 熱重載：只有 daemon.max_jobs 會在執行中生效
//
// 只在檔案中的值改變時套用，修改其他欄位不會覆蓋 configure 請求或
// --max-jobs-running 設定的上限。
func (d *Daemon) applyConfig(cfg *config.Config) {
	newMax := cfg.Daemon.MaxJobs
	if newMax == d.fileMaxJobs {
		d.logger.Debug("Config reloaded, max_jobs unchanged", "max_jobs", newMax)
		return
	}

	old, err := d.adm.Reconfigure(newMax)
	if err != nil {
		d.logger.Warn("Ignoring reloaded max_jobs", "max_jobs", newMax, "error", err)
		return
	}
	d.fileMaxJobs = newMax
	if old == newMax {
		return
	}

	d.appendJournal(journal.Event{
		Type:   journal.EventConfigure,
		Detail: fmt.Sprintf("%d->%d (%s)", old, newMax, filepath.Base(d.configPath)),
	})
	d.updateGauges()
	d.logger.Info("Concurrency limit reloaded from config", "old", old, "new", newMax)
}

func (d *Daemon) appendJournal(e journal.Event) {
	if err := d.journal.Append(e); err != nil {
		d.logger.Warn("Failed to append journal event", "type", e.Type, "error", err)
	}
}

func (d *Daemon) updateGauges() {
	snap := d.adm.Snapshot()
	d.metrics.UpdateState(snap.RunningCount, d.queue.Len(), snap.Hooks, snap.MaxConcurrency)
}
