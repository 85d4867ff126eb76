// ============================================================================
// sjs 准入控制 - 並發上限與執行中任務集合
// ============================================================================
//
// Package: internal/admission
// 文件: admission.go
// 功能: 維護 max_concurrency 與 running map（pid -> job），以保留/釋放名額控制並發
//
// 名額模型:
//   占用數 = len(running) + reserved
//   - Reserve()      占用數 < max 時保留一個名額（可阻塞）
//   - Reservation.Bind()   保留轉為 running entry（只有 Scheduler Loop 會做）
//   - Reservation.Cancel() 放棄保留（啟動失敗、重新檢查失敗、前置動作完成）
//   - Release(pid)   移除 running entry（只有 Reaper 會做；重複呼叫為 no-op）
//
//   保留中的名額不計入對外的 jobs_running，直到 Bind 之後才可見。
//
// 上限調整:
//   Reconfigure() 原子替換上限並喚醒所有等待者：
//   - 放寬：等待中的保留者立刻取得名額
//   - 收緊：不搶佔執行中的任務，只隨任務結束生效
//
// 並發安全:
//   - sync.Mutex + sync.Cond
//   - 此鎖永不與 jobqueue 的鎖巢狀持有
//
// ============================================================================

package admission

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/sjs/pkg/types"
)

var (
	// ErrInvalidLimit 並發上限為負數
	ErrInvalidLimit = errors.New("max concurrency must be >= 0")
	// ErrClosed 控制器已關閉
	ErrClosed = errors.New("admission controller is closed")
	// ErrSettled 保留已經綁定或取消
	ErrSettled = errors.New("reservation already settled")
	// ErrDuplicatePID pid 已存在於 running map
	ErrDuplicatePID = errors.New("pid already tracked")
)

// Purpose 保留名額的用途
type Purpose int

const (
	PurposeJob  Purpose = iota // Scheduler Loop 啟動任務
	PurposeHook                // Dispatcher 執行前置動作
)

// Controller 准入控制器
type Controller struct {
	mu       sync.Mutex
	cond     *sync.Cond
	max      int
	reserved int
	hooks    int
	running  map[int]types.RunningEntry
	closed   bool
}

// Reservation 一個尚未綁定 pid 的名額，必須以 Bind 或 Cancel 結束
type Reservation struct {
	c       *Controller
	purpose Purpose
	settled bool
}

// New 建立准入控制器
func New(maxConcurrency int) (*Controller, error) {
	if maxConcurrency < 0 {
		return nil, ErrInvalidLimit
	}
	c := &Controller{
		max:     maxConcurrency,
		running: make(map[int]types.RunningEntry),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

func (c *Controller) hasCapacityLocked() bool {
	return len(c.running)+c.reserved < c.max
}

func (c *Controller) reserveLocked(purpose Purpose) *Reservation {
	c.reserved++
	if purpose == PurposeHook {
		c.hooks++
	}
	return &Reservation{c: c, purpose: purpose}
}

// TryReserve 非阻塞保留，占用數 < max 時成功
func (c *Controller) TryReserve(purpose Purpose) (*Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.hasCapacityLocked() {
		return nil, false
	}
	return c.reserveLocked(purpose), true
}

// Reserve 阻塞直到取得名額
//
// 返回值：
//   - *Reservation: 保留的名額
//   - error: 控制器關閉時回傳 ErrClosed
func (c *Controller) Reserve(purpose Purpose) (*Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.closed && !c.hasCapacityLocked() {
		c.cond.Wait()
	}
	if c.closed {
		return nil, ErrClosed
	}
	return c.reserveLocked(purpose), nil
}

// ReserveWithin 最多等待 d 取得名額，逾時回傳 (nil, nil)
func (c *Controller) ReserveWithin(purpose Purpose, d time.Duration) (*Reservation, error) {
	deadline := time.Now().Add(d)
	// sync.Cond 沒有逾時，用計時器在截止時喚醒一次
	timer := time.AfterFunc(d, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return nil, ErrClosed
		}
		if c.hasCapacityLocked() {
			return c.reserveLocked(purpose), nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		c.cond.Wait()
	}
}

// Valid 重新檢查此保留在目前上限下是否仍然成立
//
// 上限可能在 Reserve 與取出佇列頭之間被 configure 收緊；
// 若已超出，呼叫者應 Cancel 並重新等待，而不是取出任務。
func (r *Reservation) Valid() bool {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.settled || c.closed {
		return false
	}
	return len(c.running)+c.reserved <= c.max
}

// Bind 將保留轉為 running entry
func (r *Reservation) Bind(pid int, job types.Job) error {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.settled {
		return ErrSettled
	}
	if _, exists := c.running[pid]; exists {
		return ErrDuplicatePID
	}
	r.settled = true
	c.dropLocked(r.purpose)
	c.running[pid] = types.RunningEntry{PID: pid, Job: job, StartedAt: time.Now()}
	return nil
}

// Cancel 放棄保留並喚醒等待者；重複呼叫為 no-op
func (r *Reservation) Cancel() {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	c.dropLocked(r.purpose)
	c.cond.Broadcast()
}

func (c *Controller) dropLocked(purpose Purpose) {
	c.reserved--
	if purpose == PurposeHook {
		c.hooks--
	}
}

// Release 移除 pid 的 running entry 並喚醒等待者
//
// 冪等：pid 不存在時不做任何事，running 數永不為負
func (c *Controller) Release(pid int) (types.RunningEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.running[pid]
	if !exists {
		return types.RunningEntry{}, false
	}
	delete(c.running, pid)
	c.cond.Broadcast()
	return entry, true
}

// Reconfigure 原子替換並發上限
//
// 返回值：
//   - int: 舊上限
//   - error: newMax < 0 時回傳 ErrInvalidLimit，狀態不變
func (c *Controller) Reconfigure(newMax int) (int, error) {
	if newMax < 0 {
		return c.Max(), ErrInvalidLimit
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.max
	c.max = newMax
	c.cond.Broadcast()
	return old, nil
}

// Max 目前並發上限
func (c *Controller) Max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// RunningPIDs 回傳所有執行中的 pid（已排序）
func (c *Controller) RunningPIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pids := make([]int, 0, len(c.running))
	for pid := range c.running {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Idle 沒有執行中任務也沒有未結束的保留
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running) == 0 && c.reserved == 0
}

// Snapshot 取得狀態快照，running 依任務 ID 排序
func (c *Controller) Snapshot() types.AdmissionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	running := make([]types.RunningEntry, 0, len(c.running))
	for _, entry := range c.running {
		running = append(running, entry)
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].Job.ID < running[j].Job.ID
	})

	return types.AdmissionSnapshot{
		RunningCount:   len(c.running),
		Running:        running,
		Reserved:       c.reserved,
		Hooks:          c.hooks,
		MaxConcurrency: c.max,
	}
}

// Close 關閉控制器並喚醒所有等待者
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.cond.Broadcast()
}
