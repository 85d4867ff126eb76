// ============================================================================
// sjs Protocol - 請求 / 回應格式
// ============================================================================
//
// Package: internal/protocol
// 文件: protocol.go
// 功能: 定義入站請求與回應的 JSON 結構、錯誤碼
//
// 線路格式:
//   每行一個 JSON 物件（NDJSON），JSON 本身不含未跳脫的換行。
//   回應一律包含 {code, status, message}，再加上各類型專屬欄位。
//
// 錯誤碼:
//   0 OK / 1 UnknownCommand / 2 InvalidArgument / 3 NotFound / 4 PreconditionFailed
//
// ============================================================================

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/sjs/pkg/types"
)

// 請求類型
const (
	TypeSubmitJob = "submit_job"
	TypeStat      = "stat"
	TypeConfigure = "configure"
	TypeCancel    = "cancel"
	TypeShutdown  = "shutdown"
)

// KnownTypes lists every request type the dispatcher handles.
var KnownTypes = []string{TypeSubmitJob, TypeStat, TypeConfigure, TypeCancel, TypeShutdown}

// Code 回應錯誤碼
type Code int

const (
	CodeOK                 Code = 0
	CodeUnknownCommand     Code = 1
	CodeInvalidArgument    Code = 2
	CodeNotFound           Code = 3
	CodePreconditionFailed Code = 4
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnknownCommand:
		return "unknown_command"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeNotFound:
		return "not_found"
	case CodePreconditionFailed:
		return "precondition_failed"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// 回應狀態字串
const (
	StatusOK    = "OK"
	StatusError = "error"
)

// Request 入站請求
//
// ReplyChannel 與 Port 皆可指定回覆路徑；舊版客戶端只送 port。
type Request struct {
	Type         string          `json:"type,omitempty"`
	ReplyChannel string          `json:"reply_channel,omitempty"`
	Port         string          `json:"port,omitempty"`
	Git          bool            `json:"git,omitempty"`
	Make         bool            `json:"make,omitempty"`
	Run          string          `json:"run,omitempty"`
	MaxJobs      *int            `json:"max_jobs,omitempty"`
	JobToCancel  json.RawMessage `json:"job_to_cancel,omitempty"`
	Shutdown     bool            `json:"SHUTDOWN,omitempty"`

	// Invalid 記錄型別錯誤的欄位；回覆路徑仍可用，由 Dispatcher 以 code 2 回覆
	Invalid error `json:"-"`
}

// ReplyPath returns the reply channel named by the request.
func (r Request) ReplyPath() string {
	if r.ReplyChannel != "" {
		return r.ReplyChannel
	}
	return r.Port
}

// IsSentinel reports whether the request is the listener shutdown sentinel.
// A frame with a type is an ordinary request even if it sets SHUTDOWN.
func (r Request) IsSentinel() bool {
	return r.Shutdown && r.Type == "" && r.Invalid == nil
}

// PreHooks returns the hook flags carried by the request.
func (r Request) PreHooks() types.PreHooks {
	return types.PreHooks{Git: r.Git, Make: r.Make}
}

// CancelTarget parses job_to_cancel.
func (r Request) CancelTarget() (types.CancelTarget, error) {
	if len(r.JobToCancel) == 0 {
		return types.CancelTarget{}, fmt.Errorf("job_to_cancel is required")
	}
	var t types.CancelTarget
	if err := json.Unmarshal(r.JobToCancel, &t); err != nil {
		return types.CancelTarget{}, err
	}
	return t, nil
}

// Sentinel 關閉監聽迴圈的特殊請求
var Sentinel = Request{Shutdown: true}

// ============================================================================
// 回應
// ============================================================================

// Response is implemented by every response payload.
type Response interface {
	Header() Envelope
}

// Envelope 所有回應共有的欄位
type Envelope struct {
	Code    Code   `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Header implements Response.
func (e Envelope) Header() Envelope { return e }

// OK 建立成功回應
func OK(message string) Envelope {
	return Envelope{Code: CodeOK, Status: StatusOK, Message: message}
}

// Errorf 建立錯誤回應
func Errorf(code Code, format string, args ...any) Envelope {
	return Envelope{Code: code, Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// SubmitResponse submit_job
type SubmitResponse struct {
	Envelope
	JobID types.JobID `json:"job_id"`
}

// RunningJob stat 中的執行中任務
type RunningJob struct {
	PID       int         `json:"pid"`
	JobID     types.JobID `json:"job_id"`
	Command   string      `json:"command"`
	StartedAt time.Time   `json:"started_at"`
}

// StatResponse stat
type StatResponse struct {
	Envelope
	JobsRunning     int          `json:"jobs_running"`
	NumJobsQueued   int          `json:"num_jobs_queued"`
	JobsQueued      []types.Job  `json:"jobs_queued"`
	MaxJobsRunning  int          `json:"max_jobs_running"`
	JobsRunningList []RunningJob `json:"jobs_running_list"`
	HooksRunning    int          `json:"hooks_running"`
	InstanceID      string       `json:"instance_id,omitempty"`
	Uptime          string       `json:"uptime,omitempty"`
}

// ConfigureResponse configure
type ConfigureResponse struct {
	Envelope
	OldMaxJobsRunning int `json:"old_max_jobs_running"`
	NewMaxJobsRunning int `json:"new_max_jobs_running"`
}

// CancelResponse 取消單一任務
type CancelResponse struct {
	Envelope
	JobCancelled types.Job `json:"job_cancelled"`
}

// CancelAllResponse 萬用字元取消，job_cancelled 為被移除的任務集合
type CancelAllResponse struct {
	Envelope
	JobCancelled []types.Job `json:"job_cancelled"`
	NumCancelled int         `json:"num_cancelled"`
}

// NotFoundResponse 取消目標不在佇列中
type NotFoundResponse struct {
	Envelope
	RequestedJobToCancel types.CancelTarget `json:"requested_job_to_cancel"`
}

// BusyResponse 守護程式仍有工作（或正在關閉）時的拒絕
type BusyResponse struct {
	Envelope
	JobsRunning   int `json:"jobs_running"`
	NumJobsQueued int `json:"num_jobs_queued"`
}

// Reply 客戶端解碼用的聯集結構，涵蓋所有回應欄位
type Reply struct {
	Envelope
	JobID                *types.JobID        `json:"job_id,omitempty"`
	JobsRunning          *int                `json:"jobs_running,omitempty"`
	NumJobsQueued        *int                `json:"num_jobs_queued,omitempty"`
	JobsQueued           []types.Job         `json:"jobs_queued,omitempty"`
	MaxJobsRunning       *int                `json:"max_jobs_running,omitempty"`
	JobsRunningList      []RunningJob        `json:"jobs_running_list,omitempty"`
	HooksRunning         *int                `json:"hooks_running,omitempty"`
	InstanceID           string              `json:"instance_id,omitempty"`
	Uptime               string              `json:"uptime,omitempty"`
	OldMaxJobsRunning    *int                `json:"old_max_jobs_running,omitempty"`
	NewMaxJobsRunning    *int                `json:"new_max_jobs_running,omitempty"`
	JobCancelled         json.RawMessage     `json:"job_cancelled,omitempty"`
	NumCancelled         *int                `json:"num_cancelled,omitempty"`
	RequestedJobToCancel *types.CancelTarget `json:"requested_job_to_cancel,omitempty"`
}

// Failed reports whether the reply carries a non-zero code.
func (r Reply) Failed() bool {
	return r.Code != CodeOK
}
