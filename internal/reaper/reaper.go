// ============================================================================
// sjs Reaper - 子程序結束回收
// ============================================================================
//
// Package: internal/reaper
// 文件: reaper.go
// 功能: 在子程序結束通知到達時，將 running map 與實際程序狀態對帳
//
// 對帳演算法:
//   作業系統可能把多個同時結束的子程序合併成較少的 SIGCHLD，
//   因此一次通知 ≠ 一個結束的子程序。每次喚醒都：
//   1. 取得 running map 中所有 pid
//   2. 逐一以 Prober 探測（wait4 WNOHANG，同時回收殭屍程序）
//   3. 對每個已結束的 pid 呼叫 admission.Release
//
//   這是唯一會減少 running 數的路徑；不做「每個訊號減一」的計數。
//
// 喚醒來源:
//   - SIGCHLD（os/signal，緩衝為 1，自然合併）
//   - Notify()：Scheduler Loop 在 Bind 之後呼叫，涵蓋「Bind 前就結束」的子程序
//   - 週期性 ticker：安全網
//
// 錯誤處理:
//   探測失敗時將 pid 視為仍在執行，下次喚醒再試；Reaper 永不因此停止。
//
// ============================================================================

package reaper

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/sjs/internal/admission"
	"github.com/ChuLiYu/sjs/internal/runner"
	"github.com/ChuLiYu/sjs/pkg/types"
)

// ExitFunc is called once for every released running entry.
type ExitFunc func(entry types.RunningEntry, info runner.ExitInfo)

// Config Reaper 配置
type Config struct {
	Interval time.Duration // 週期性對帳間隔，0 表示停用
	OnExit   ExitFunc      // 可為 nil
	Logger   *slog.Logger  // 可為 nil
}

// Reaper 子程序回收器
type Reaper struct {
	adm    *admission.Controller
	prober runner.Prober
	config Config
	logger *slog.Logger

	scanMu sync.Mutex    // 序列化對帳，確保每個結束只回報一次
	kickCh chan struct{} // 緩衝 1，多次 Notify 合併
}

// New 建立 Reaper
func New(adm *admission.Controller, prober runner.Prober, config Config) *Reaper {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		adm:    adm,
		prober: prober,
		config: config,
		logger: logger.With("component", "reaper"),
		kickCh: make(chan struct{}, 1),
	}
}

// Notify 要求一次對帳，不阻塞
func (r *Reaper) Notify() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// Reconcile 掃描 running map，釋放所有已結束的 pid
//
// 返回值：
//   - int: 本次釋放的數量
func (r *Reaper) Reconcile() int {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	released := 0
	for _, pid := range r.adm.RunningPIDs() {
		exited, info, err := r.prober.Probe(pid)
		if err != nil {
			r.logger.Warn("Liveness probe failed, treating as running", "pid", pid, "error", err)
			continue
		}
		if !exited {
			continue
		}

		entry, ok := r.adm.Release(pid)
		if !ok {
			continue
		}
		released++

		r.logger.Info("Job exited",
			"jobID", entry.Job.ID,
			"pid", pid,
			"exit_code", info.Code,
			"signaled", info.Signaled,
			"duration", time.Since(entry.StartedAt))

		if r.config.OnExit != nil {
			r.config.OnExit(entry, info)
		}
	}
	return released
}

// Run 監聽 SIGCHLD / Notify / ticker 並對帳，直到 ctx 結束
func (r *Reaper) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)
	defer signal.Stop(sigCh)

	var tick <-chan time.Time
	if r.config.Interval > 0 {
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// 啟動前結束的子程序不會再有訊號
	r.Reconcile()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-sigCh:
		case <-r.kickCh:
		case <-tick:
		}
		r.Reconcile()
	}
}
