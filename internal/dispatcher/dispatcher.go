// ============================================================================
// sjs Dispatcher - 請求分派
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 入站請求的唯一消費者；執行前置動作，路由到處理函式並回覆
//
// 處理流程（每個請求完整處理完才處理下一個，狀態變更因此有全序）:
//
//   intake → [draining?] → pre-hooks (git → make) → handler → ReplyWriter
//
// 前置動作:
//   每個 hook 執行期間佔用一個並發名額（admission.PurposeHook）。
//   在 slotWait 內拿不到名額就跳過並記錄警告，避免 max_jobs=0 時卡死。
//   hook 失敗只記錄，不影響請求本身。
//
// 鎖的規則:
//   stat / cancel 只碰佇列鎖；configure 只碰准入鎖；
//   同時需要兩者時依序取得，從不巢狀。
//
// 並發安全:
//   Handle 只應由單一 goroutine 呼叫（Serve）；Draining 可從任何 goroutine 讀取。
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/sjs/internal/admission"
	"github.com/ChuLiYu/sjs/internal/journal"
	"github.com/ChuLiYu/sjs/internal/jobqueue"
	"github.com/ChuLiYu/sjs/internal/metrics"
	"github.com/ChuLiYu/sjs/internal/protocol"
	"github.com/ChuLiYu/sjs/internal/runner"
	"github.com/ChuLiYu/sjs/pkg/types"
)

// ReplyWriter delivers exactly one response to a request's reply channel.
type ReplyWriter interface {
	WriteReply(ctx context.Context, path string, resp protocol.Response) error
}

// ShutdownFunc is invoked once the daemon has been confirmed idle.
// It must tell the listener to stop.
type ShutdownFunc func() error

// Config Dispatcher 配置
type Config struct {
	HookSlotWait time.Duration      // hook 等待名額的上限
	InstanceID   string             // stat 回報
	StartedAt    time.Time          // stat 的 uptime 起點
	OnShutdown   ShutdownFunc       // 可為 nil
	Metrics      *metrics.Collector // 可為 nil
	Journal      *journal.Journal   // 可為 nil
	Logger       *slog.Logger       // 可為 nil
}

// Dispatcher 命令分派器
type Dispatcher struct {
	queue   *jobqueue.JobQueue
	adm     *admission.Controller
	hooks   runner.HookRunner
	replies ReplyWriter
	config  Config
	logger  *slog.Logger

	nextID   types.JobID
	draining atomic.Bool
}

// New 建立 Dispatcher
//
// hooks 可為 nil，此時請求中的 git/make 旗標被忽略。
func New(queue *jobqueue.JobQueue, adm *admission.Controller, hooks runner.HookRunner, replies ReplyWriter, config Config) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.StartedAt.IsZero() {
		config.StartedAt = time.Now()
	}
	return &Dispatcher{
		queue:   queue,
		adm:     adm,
		hooks:   hooks,
		replies: replies,
		config:  config,
		logger:  logger.With("component", "dispatcher"),
	}
}

// SetJournal 設定 journal；必須在 Serve 之前呼叫
func (d *Dispatcher) SetJournal(j *journal.Journal) {
	d.config.Journal = j
}

// SetStartedAt 設定 uptime 起點；必須在 Serve 之前呼叫
func (d *Dispatcher) SetStartedAt(t time.Time) {
	d.config.StartedAt = t
}

// Draining reports whether shutdown has been accepted.
func (d *Dispatcher) Draining() bool {
	return d.draining.Load()
}

// SetDraining makes every later request fail with PreconditionFailed.
func (d *Dispatcher) SetDraining() {
	d.draining.Store(true)
}

// Serve 消費 intake 直到它被關閉或 ctx 結束
func (d *Dispatcher) Serve(ctx context.Context, intake <-chan protocol.Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-intake:
			if !ok {
				return
			}
			d.Process(ctx, req)
		}
	}
}

// Process handles one request and writes its reply.
func (d *Dispatcher) Process(ctx context.Context, req protocol.Request) {
	resp := d.Handle(ctx, req)
	header := resp.Header()
	d.config.Metrics.RecordRequest(metricType(req.Type), int(header.Code))

	path := req.ReplyPath()
	if path == "" {
		d.logger.Warn("Request has no reply channel, dropping response",
			"type", req.Type, "code", header.Code)
		return
	}
	if err := d.replies.WriteReply(ctx, path, resp); err != nil {
		d.logger.Warn("Failed to deliver response",
			"type", req.Type, "reply_channel", path, "error", err)
	}
}

// Handle 執行前置動作並路由請求，回傳回應但不寫出
func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	if d.Draining() {
		return d.busy("daemon is shutting down")
	}
	if req.Invalid != nil {
		return protocol.Errorf(protocol.CodeInvalidArgument, "invalid %s request: %v", metricType(req.Type), req.Invalid)
	}

	d.runHooks(ctx, req.PreHooks())

	var resp protocol.Response
	switch req.Type {
	case protocol.TypeSubmitJob:
		resp = d.handleSubmit(req)
	case protocol.TypeStat:
		resp = d.Stat()
	case protocol.TypeConfigure:
		resp = d.handleConfigure(req)
	case protocol.TypeCancel:
		resp = d.handleCancel(req)
	case protocol.TypeShutdown:
		resp = d.handleShutdown()
	default:
		resp = protocol.Errorf(protocol.CodeUnknownCommand, "unknown command %q", req.Type)
	}

	d.updateGauges()
	return resp
}

// ============================================================================
// 前置動作
// ============================================================================

func (d *Dispatcher) runHooks(ctx context.Context, flags types.PreHooks) {
	if d.hooks == nil {
		return
	}
	for _, hook := range runner.Hooks(flags) {
		res, err := d.adm.ReserveWithin(admission.PurposeHook, d.config.HookSlotWait)
		if err != nil {
			d.logger.Warn("Skipping pre-hook", "hook", hook, "error", err)
			continue
		}
		if res == nil {
			d.logger.Warn("Skipping pre-hook, no free slot", "hook", hook, "waited", d.config.HookSlotWait)
			continue
		}

		start := time.Now()
		err = d.hooks.Run(ctx, hook)
		res.Cancel()

		if err != nil {
			d.logger.Warn("Pre-hook failed", "hook", hook, "error", err)
			continue
		}
		d.logger.Info("Pre-hook completed", "hook", hook, "duration", time.Since(start))
	}
}

// ============================================================================
// 處理函式
// ============================================================================

func (d *Dispatcher) handleSubmit(req protocol.Request) protocol.Response {
	d.nextID++
	job := types.Job{
		ID:         d.nextID,
		Command:    req.Run,
		PreHooks:   req.PreHooks(),
		EnqueuedAt: time.Now(),
	}

	if err := d.queue.Enqueue(job); err != nil {
		// 只有佇列已關閉（守護程式正在停止）時發生
		return d.busy(fmt.Sprintf("job not accepted: %v", err))
	}

	d.config.Metrics.RecordSubmit()
	d.appendJournal(journal.Event{Type: journal.EventSubmit, JobID: job.ID, Command: job.Command})
	d.logger.Info("Job submitted", "jobID", job.ID, "command", job.Command)

	return protocol.SubmitResponse{
		Envelope: protocol.OK(fmt.Sprintf("job %d submitted", job.ID)),
		JobID:    job.ID,
	}
}

// Stat 組出 stat 回應；唯讀，可從任何 goroutine 呼叫（HTTP / gRPC 狀態端點）
func (d *Dispatcher) Stat() protocol.StatResponse {
	// 佇列與准入狀態分別取快照，不巢狀持鎖。
	// 先取准入：Scheduler 先取出佇列頭再綁定，任務最多從兩邊都缺席，不會同時出現。
	snap := d.adm.Snapshot()
	queued := d.queue.Snapshot()

	running := make([]protocol.RunningJob, 0, len(snap.Running))
	for _, e := range snap.Running {
		running = append(running, protocol.RunningJob{
			PID:       e.PID,
			JobID:     e.Job.ID,
			Command:   e.Job.Command,
			StartedAt: e.StartedAt,
		})
	}

	return protocol.StatResponse{
		Envelope:        protocol.OK(""),
		JobsRunning:     snap.RunningCount,
		NumJobsQueued:   len(queued),
		JobsQueued:      queued,
		MaxJobsRunning:  snap.MaxConcurrency,
		JobsRunningList: running,
		HooksRunning:    snap.Hooks,
		InstanceID:      d.config.InstanceID,
		Uptime:          time.Since(d.config.StartedAt).Truncate(time.Second).String(),
	}
}

func (d *Dispatcher) handleConfigure(req protocol.Request) protocol.Response {
	if req.MaxJobs == nil {
		return protocol.Errorf(protocol.CodeInvalidArgument, "max_jobs is required")
	}

	newMax := *req.MaxJobs
	old, err := d.adm.Reconfigure(newMax)
	if errors.Is(err, admission.ErrInvalidLimit) {
		return protocol.Errorf(protocol.CodeInvalidArgument,
			"max_jobs must be >= 0, got %d (max_jobs_running stays %d)", newMax, old)
	}

	d.appendJournal(journal.Event{Type: journal.EventConfigure, Detail: fmt.Sprintf("%d->%d", old, newMax)})
	d.logger.Info("Concurrency limit changed", "old", old, "new", newMax)

	return protocol.ConfigureResponse{
		Envelope:          protocol.OK(fmt.Sprintf("max_jobs_running changed from %d to %d", old, newMax)),
		OldMaxJobsRunning: old,
		NewMaxJobsRunning: newMax,
	}
}

func (d *Dispatcher) handleCancel(req protocol.Request) protocol.Response {
	target, err := req.CancelTarget()
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidArgument, "invalid job_to_cancel: %v", err)
	}

	if target.All {
		removed := d.queue.RemoveAll()
		for _, job := range removed {
			d.appendJournal(journal.Event{Type: journal.EventCancel, JobID: job.ID})
		}
		d.config.Metrics.RecordCancelled(len(removed))
		d.logger.Info("Cancelled all queued jobs", "count", len(removed))

		return protocol.CancelAllResponse{
			Envelope:     protocol.OK(fmt.Sprintf("%d jobs cancelled", len(removed))),
			JobCancelled: removed,
			NumCancelled: len(removed),
		}
	}

	job, err := d.queue.RemoveByID(target.ID)
	if err != nil {
		return protocol.NotFoundResponse{
			Envelope:             protocol.Errorf(protocol.CodeNotFound, "job %d not found in queue", target.ID),
			RequestedJobToCancel: target,
		}
	}

	d.appendJournal(journal.Event{Type: journal.EventCancel, JobID: job.ID})
	d.config.Metrics.RecordCancelled(1)
	d.logger.Info("Job cancelled", "jobID", job.ID)

	return protocol.CancelResponse{
		Envelope:     protocol.OK(fmt.Sprintf("job %d cancelled", job.ID)),
		JobCancelled: job,
	}
}

func (d *Dispatcher) handleShutdown() protocol.Response {
	// 先看佇列再看准入：佇列為空之後 Scheduler 無法再取出任務，
	// 已取出但尚未綁定的任務仍以保留名額出現在 Idle 中。
	queued := d.queue.Len()
	if queued > 0 || !d.adm.Idle() {
		return d.busy("jobs still running or queued")
	}

	d.SetDraining()
	if d.config.OnShutdown != nil {
		if err := d.config.OnShutdown(); err != nil {
			d.draining.Store(false)
			d.logger.Error("Failed to signal listener", "error", err)
			return d.busy(fmt.Sprintf("failed to stop listener: %v", err))
		}
	}

	d.logger.Info("Shutdown accepted")
	return protocol.OK("daemon shutting down")
}

// ============================================================================
// 輔助函式
// ============================================================================

func (d *Dispatcher) busy(message string) protocol.Response {
	snap := d.adm.Snapshot()
	return protocol.BusyResponse{
		Envelope:      protocol.Errorf(protocol.CodePreconditionFailed, "%s", message),
		JobsRunning:   snap.RunningCount,
		NumJobsQueued: d.queue.Len(),
	}
}

func (d *Dispatcher) appendJournal(e journal.Event) {
	if err := d.config.Journal.Append(e); err != nil {
		d.logger.Warn("Failed to append journal event", "type", e.Type, "error", err)
	}
}

func (d *Dispatcher) updateGauges() {
	if d.config.Metrics == nil {
		return
	}
	snap := d.adm.Snapshot()
	d.config.Metrics.UpdateState(snap.RunningCount, d.queue.Len(), snap.Hooks, snap.MaxConcurrency)
}

// metricType bounds label cardinality for unrecognized request types.
func metricType(t string) string {
	for _, known := range protocol.KnownTypes {
		if t == known {
			return t
		}
	}
	return "unknown"
}
