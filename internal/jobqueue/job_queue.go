// ============================================================================
// sjs 任務佇列 - 待執行任務的有序序列
// ============================================================================
//
// Package: internal/jobqueue
// 文件: job_queue.go
// 功能: 保存尚未啟動的任務，提供 FIFO 取出與依 ID 取消
//
// 設計理念:
//   佇列只保存 pending 任務，一旦被 Scheduler Loop 取出即離開佇列，
//   擁有權轉移到 admission.Controller 的 running map。
//
// 操作:
//   Enqueue()      - 加到尾端並喚醒等待者
//   PeekHead()     - 查看頭部（不移除）
//   RemoveHead()   - 取出頭部
//   RemoveByID()   - 取消單一任務（唯一會任意移除元素的操作）
//   RemoveAll()    - 取消全部
//   WaitNonEmpty() - 阻塞直到佇列非空或已關閉
//
// 並發安全:
//   - sync.Mutex + sync.Cond，所有操作互斥
//   - Snapshot() 回傳複本，讀者永遠看不到修改到一半的佇列
//   - 此鎖永不與 admission 的鎖巢狀持有
//
// ============================================================================

package jobqueue

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/sjs/pkg/types"
)

var (
	// ErrJobNotFound 任務不在待處理佇列中（已啟動或從未存在）
	ErrJobNotFound = errors.New("job not found in queue")
	// ErrQueueClosed 佇列已關閉
	ErrQueueClosed = errors.New("job queue is closed")
)

// JobQueue 待處理任務佇列
type JobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []types.Job
	closed bool
}

// NewJobQueue 建立空佇列
func NewJobQueue() *JobQueue {
	q := &JobQueue{
		jobs: make([]types.Job, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue 將任務加到尾端，並喚醒阻塞在空佇列上的等待者
func (q *JobQueue) Enqueue(job types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.jobs = append(q.jobs, job)
	q.cond.Broadcast()
	return nil
}

// WaitNonEmpty 阻塞直到佇列至少有一個任務
//
// 返回值：
//   - error: 佇列關閉時回傳 ErrQueueClosed
//
// 注意：回傳後佇列可能立刻又被取消操作清空，呼叫者必須處理 RemoveHead 失敗
func (q *JobQueue) WaitNonEmpty() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.jobs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

// PeekHead 查看頭部任務但不移除
func (q *JobQueue) PeekHead() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return types.Job{}, false
	}
	return q.jobs[0], true
}

// RemoveHead 取出頭部任務
func (q *JobQueue) RemoveHead() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return types.Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = types.Job{}
	q.jobs = q.jobs[1:]
	return job, true
}

// RemoveByID 移除第一個（也是唯一一個）符合 ID 的任務
func (q *JobQueue) RemoveByID(id types.JobID) (types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.jobs {
		if job.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return job, nil
		}
	}
	return types.Job{}, ErrJobNotFound
}

// RemoveAll 清空佇列，回傳被移除的任務（依原順序）
func (q *JobQueue) RemoveAll() []types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := q.jobs
	q.jobs = make([]types.Job, 0)
	return removed
}

// Snapshot 回傳佇列內容的複本
func (q *JobQueue) Snapshot() []types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Len 目前排隊數
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close 關閉佇列並喚醒所有等待者，之後的 Enqueue 一律失敗
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}
