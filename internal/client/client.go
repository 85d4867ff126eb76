// ============================================================================
// sjs Client - 本機 FIFO 客戶端
// ============================================================================
//
// Package: internal/client
// 文件: client.go
// 功能: 對本機守護程式做一次請求 / 回應往返
//
// 往返流程:
//   1. 在 ReplyDir 建立 <n>.port（n 從 1 開始，EEXIST 時改用 n+1）
//   2. 以 O_RDWR 開啟回覆 FIFO：守護程式的非阻塞 O_WRONLY 開啟因此立刻成功
//   3. 將請求寫入入站 FIFO（非阻塞開啟；沒有讀者代表守護程式沒在執行）
//   4. 在期限內讀取一個回應訊框
//   5. 移除回覆 FIFO
//
// ============================================================================

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/sjs/internal/listener"
	"github.com/ChuLiYu/sjs/internal/protocol"
	"github.com/ChuLiYu/sjs/pkg/types"
)

var (
	// ErrDaemonNotRunning 入站 FIFO 不存在或沒有讀者
	ErrDaemonNotRunning = errors.New("daemon is not running")
	// ErrNoReply 期限內沒有收到回應
	ErrNoReply = errors.New("no reply from daemon")
)

// maxPortAttempts bounds the <n>.port collision search.
const maxPortAttempts = 1 << 16

// Client 本機守護程式客戶端
type Client struct {
	Pipe     string        // 守護程式的入站 FIFO
	ReplyDir string        // 回覆 FIFO 的目錄，"" 表示 os.TempDir()
	Timeout  time.Duration // 等待回應的上限
}

// New 建立客戶端
func New(pipe string) *Client {
	return &Client{Pipe: pipe, Timeout: 30 * time.Second}
}

// CheckRunning reports whether a daemon is serving pipe.
func CheckRunning(pipe string) bool {
	return listener.IsFIFO(pipe)
}

// RoundTrip 送出請求並等待唯一的回應
//
// 返回值：
//   - protocol.Reply: 解析後的回應
//   - json.RawMessage: 原始回應訊框
//   - error: 守護程式未執行、逾時或 I/O 錯誤
func (c *Client) RoundTrip(ctx context.Context, req protocol.Request) (protocol.Reply, json.RawMessage, error) {
	if !CheckRunning(c.Pipe) {
		return protocol.Reply{}, nil, fmt.Errorf("%s: %w", c.Pipe, ErrDaemonNotRunning)
	}

	replyPath, err := c.createReplyFIFO()
	if err != nil {
		return protocol.Reply{}, nil, err
	}
	defer os.Remove(replyPath)

	reply, err := os.OpenFile(replyPath, os.O_RDWR, 0)
	if err != nil {
		return protocol.Reply{}, nil, fmt.Errorf("open reply channel: %w", err)
	}
	defer reply.Close()

	req.ReplyChannel = replyPath
	if err := c.send(req); err != nil {
		return protocol.Reply{}, nil, err
	}

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := reply.SetReadDeadline(deadline); err != nil {
		return protocol.Reply{}, nil, err
	}
	stop := context.AfterFunc(ctx, func() { reply.SetReadDeadline(time.Now()) })
	defer stop()

	resp, raw, err := protocol.DecodeReply(reply)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Reply{}, nil, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
				return protocol.Reply{}, nil, context.DeadlineExceeded
			}
			return protocol.Reply{}, nil, fmt.Errorf("%w within %s", ErrNoReply, c.timeout())
		}
		return protocol.Reply{}, nil, fmt.Errorf("read reply: %w", err)
	}
	return resp, raw, nil
}

// send 將一個請求訊框寫入入站 FIFO
func (c *Client) send(req protocol.Request) error {
	frame, err := protocol.Marshal(req)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(c.Pipe, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if errors.Is(err, unix.ENXIO) {
		return fmt.Errorf("%s has no reader: %w", c.Pipe, ErrDaemonNotRunning)
	}
	if err != nil {
		return fmt.Errorf("open inbound channel: %w", err)
	}
	defer f.Close()

	_, err = f.Write(frame)
	return err
}

// createReplyFIFO 建立 <dir>/<n>.port，名稱已被使用時嘗試下一個
func (c *Client) createReplyFIFO() (string, error) {
	dir := c.ReplyDir
	if dir == "" {
		dir = os.TempDir()
	}

	for n := 1; n <= maxPortAttempts; n++ {
		path := filepath.Join(dir, strconv.Itoa(n)+".port")
		err := unix.Mkfifo(path, 0o600)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, unix.EEXIST) {
			return "", fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free reply channel in %s", dir)
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

// ============================================================================
// 各請求類型的便利函式
// ============================================================================

// Submit 提交一個任務
func (c *Client) Submit(ctx context.Context, command string, hooks types.PreHooks) (protocol.Reply, error) {
	reply, _, err := c.RoundTrip(ctx, protocol.Request{
		Type: protocol.TypeSubmitJob,
		Run:  command,
		Git:  hooks.Git,
		Make: hooks.Make,
	})
	return reply, err
}

// Stat 查詢狀態；同時回傳原始 JSON 供直接輸出
func (c *Client) Stat(ctx context.Context) (protocol.Reply, json.RawMessage, error) {
	return c.RoundTrip(ctx, protocol.Request{Type: protocol.TypeStat})
}

// Configure 調整並發上限
func (c *Client) Configure(ctx context.Context, maxJobs int) (protocol.Reply, error) {
	reply, _, err := c.RoundTrip(ctx, protocol.Request{Type: protocol.TypeConfigure, MaxJobs: &maxJobs})
	return reply, err
}

// Cancel 取消排隊中的任務
func (c *Client) Cancel(ctx context.Context, target types.CancelTarget) (protocol.Reply, error) {
	raw, err := json.Marshal(target)
	if err != nil {
		return protocol.Reply{}, err
	}
	reply, _, err := c.RoundTrip(ctx, protocol.Request{Type: protocol.TypeCancel, JobToCancel: raw})
	return reply, err
}

// Shutdown 請求守護程式在閒置時結束
func (c *Client) Shutdown(ctx context.Context) (protocol.Reply, error) {
	reply, _, err := c.RoundTrip(ctx, protocol.Request{Type: protocol.TypeShutdown})
	return reply, err
}
