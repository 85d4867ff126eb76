package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/sjs/internal/admission"
	"github.com/ChuLiYu/sjs/internal/journal"
	"github.com/ChuLiYu/sjs/pkg/types"
)

// scheduleLoop 佇列的唯一消費者
//
// 每一輪：
//  1. 等待佇列非空（只持佇列鎖）
//  2. 等待並保留一個名額（只持准入鎖）
//  3. 重新檢查名額：configure 可能在 1 與 2 之間收緊上限，失效就放棄保留重來
//  4. 取出頭部；佇列可能已被 cancel 清空，同樣放棄保留重來
//  5. 啟動並以 pid 綁定保留
func (d *Daemon) scheduleLoop(ctx context.Context) {
	defer d.loopWg.Done()

	pacing := d.cfg.Daemon.LaunchPacing.Std()
	for {
		if err := d.queue.WaitNonEmpty(); err != nil {
			d.logger.Info("Scheduler loop stopped")
			return
		}

		res, err := d.adm.Reserve(admission.PurposeJob)
		if err != nil {
			d.logger.Info("Scheduler loop stopped")
			return
		}
		if !res.Valid() {
			res.Cancel()
			continue
		}

		job, ok := d.queue.RemoveHead()
		if !ok {
			res.Cancel()
			continue
		}

		if !d.launch(res, job) {
			continue
		}

		if pacing > 0 {
			select {
			case <-ctx.Done():
				d.logger.Info("Scheduler loop stopped")
				return
			case <-time.After(pacing):
			}
		}
	}
}

// launch 啟動任務；失敗時記錄並立即釋放名額，不影響守護程式
func (d *Daemon) launch(res *admission.Reservation, job types.Job) bool {
	pid, err := d.launcher.Launch(job)
	if err != nil {
		res.Cancel()
		d.logger.Error("Failed to launch job", "jobID", job.ID, "command", job.Command, "error", err)
		d.metrics.RecordLaunchFailure()
		d.appendJournal(journal.Event{
			Type:    journal.EventLaunchFailed,
			JobID:   job.ID,
			Command: job.Command,
			Detail:  err.Error(),
		})
		d.updateGauges()
		return false
	}

	err = res.Bind(pid, job)
	if errors.Is(err, admission.ErrDuplicatePID) {
		// pid 被重用代表舊的子程序已被回收（不經由 reaper），舊 entry 過期
		if stale, ok := d.adm.Release(pid); ok {
			d.logger.Warn("Dropping stale entry for reused pid",
				"pid", pid, "staleJobID", stale.Job.ID, "jobID", job.ID)
			d.metrics.RecordReaped(time.Since(stale.StartedAt).Seconds())
			d.appendJournal(journal.Event{
				Type:    journal.EventExit,
				JobID:   stale.Job.ID,
				PID:     pid,
				Command: stale.Job.Command,
				Detail:  "exit status unknown, pid reused",
			})
		}
		err = res.Bind(pid, job)
	}
	if err != nil {
		// 子程序已在執行，不取消保留：名額繼續被它佔用
		d.logger.Error("Failed to track launched job, its slot stays held",
			"jobID", job.ID, "pid", pid, "error", err)
		return false
	}

	d.logger.Info("Job launched", "jobID", job.ID, "pid", pid, "command", job.Command)
	d.metrics.RecordLaunch()
	d.appendJournal(journal.Event{
		Type:    journal.EventLaunch,
		JobID:   job.ID,
		PID:     pid,
		Command: job.Command,
	})
	d.updateGauges()

	// Bind 之前就結束的子程序，其 SIGCHLD 可能已被消耗
	d.reaper.Notify()
	return true
}
