// Package types 定義了 sjs 排程守護程式中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobID 任務唯一識別碼，由守護程式單調遞增分配，程序生命週期內不重複
type JobID uint64

// PreHooks 任務執行前需要的前置動作
type PreHooks struct {
	Git  bool `json:"git"`  // 先執行 git pull
	Make bool `json:"make"` // 先執行 make
}

// Job 任務結構，代表一個待執行的 shell 命令
//
// 擁有權：
//   - 排隊中由 Job Queue 持有
//   - 啟動後轉移到 Admission Controller 的 running map（以 pid 為鍵）
//   - 被回收後丟棄
type Job struct {
	ID         JobID     `json:"id"`
	Command    string    `json:"command"`
	PreHooks   PreHooks  `json:"pre_hooks"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RunningEntry 將 OS pid 對應到其執行的任務
type RunningEntry struct {
	PID       int       `json:"pid"`
	Job       Job       `json:"job"`
	StartedAt time.Time `json:"started_at"`
}

// AdmissionSnapshot 狀態查詢用的准入控制快照
type AdmissionSnapshot struct {
	RunningCount   int            `json:"running_count"`
	Running        []RunningEntry `json:"running"`
	Reserved       int            `json:"reserved"` // 尚未綁定 pid 的保留名額（不計入 running_count）
	Hooks          int            `json:"hooks"`    // Reserved 中由前置動作佔用的部分
	MaxConcurrency int            `json:"max_concurrency"`
}

// CancelTarget 取消目標：單一任務 ID 或萬用字元（"all" / "*"）
type CancelTarget struct {
	All bool
	ID  JobID
}

// AllPatterns 代表「全部」的萬用字元
var AllPatterns = []string{"all", "*"}

// ParseCancelTarget 解析字串形式的取消目標
func ParseCancelTarget(s string) (CancelTarget, error) {
	s = strings.TrimSpace(s)
	for _, p := range AllPatterns {
		if strings.EqualFold(s, p) {
			return CancelTarget{All: true}, nil
		}
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return CancelTarget{}, fmt.Errorf("invalid job id %q", s)
	}
	return CancelTarget{ID: JobID(id)}, nil
}

// String implements fmt.Stringer.
func (c CancelTarget) String() string {
	if c.All {
		return "all"
	}
	return strconv.FormatUint(uint64(c.ID), 10)
}

// MarshalJSON 單一 ID 編碼為數字，萬用字元編碼為 "all"
func (c CancelTarget) MarshalJSON() ([]byte, error) {
	if c.All {
		return json.Marshal("all")
	}
	return json.Marshal(uint64(c.ID))
}

// UnmarshalJSON 接受數字、數字字串、"all" 或 "*"
func (c *CancelTarget) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*c = CancelTarget{ID: JobID(n)}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("job_to_cancel must be an id or one of %v", AllPatterns)
	}
	parsed, err := ParseCancelTarget(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
