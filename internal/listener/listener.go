// ============================================================================
// sjs Listener - 入站通道監聽
// ============================================================================
//
// Package: internal/listener
// 文件: listener.go
// 功能: 從具名管道讀取換行分隔的請求，交給 Dispatcher 的 intake
//
// 行為:
//   - 以 O_RDWR 開啟 FIFO：自己也算一個寫端，所有客戶端關閉後讀取不會收到 EOF
//   - 無法解析或超過 64 KiB 的訊框記錄警告後丟棄，迴圈繼續
//   - 收到 {"SHUTDOWN": true} 時不轉交；只有 shutdown 請求已被接受
//     （acceptSentinel 回傳 true）才結束迴圈，否則記錄警告後丟棄
//   - ctx 結束時關閉檔案以解除阻塞中的 Read
//
// 已知風險:
//   多個客戶端同時寫入時，超過 PIPE_BUF 的訊息可能交錯，交錯的行會被當成
//   無法解析而丟棄。
//
// ============================================================================

package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ChuLiYu/sjs/internal/protocol"
)

// SentinelGate reports whether a shutdown has been accepted, so the sentinel
// may stop the listener.
type SentinelGate func() bool

// Listener 入站通道監聽器
type Listener struct {
	path           string
	intake         chan<- protocol.Request
	acceptSentinel SentinelGate
	logger         *slog.Logger
}

// New 建立 Listener
//
// acceptSentinel 為 nil 時一律忽略 sentinel，只能以 ctx 停止。
func New(path string, intake chan<- protocol.Request, acceptSentinel SentinelGate, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		path:           path,
		intake:         intake,
		acceptSentinel: acceptSentinel,
		logger:         logger.With("component", "listener"),
	}
}

// Path returns the inbound channel path.
func (l *Listener) Path() string {
	return l.path
}

// Run 讀取請求直到收到 sentinel（回傳 nil）或 ctx 結束
func (l *Listener) Run(ctx context.Context) error {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open inbound channel: %w", err)
	}
	defer f.Close()

	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	l.logger.Info("Listening for requests", "pipe", l.path)

	dec := protocol.NewDecoder(f)
	for {
		req, err := dec.Decode()
		switch {
		case err == nil:
		case protocol.IsRecoverable(err):
			l.logger.Warn("Dropping inbound frame", "error", err)
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			return fmt.Errorf("inbound channel closed unexpectedly")
		default:
			return fmt.Errorf("read inbound channel: %w", err)
		}

		if req.IsSentinel() {
			if l.acceptSentinel == nil || !l.acceptSentinel() {
				l.logger.Warn("Ignoring shutdown sentinel, no shutdown request has been accepted")
				continue
			}
			l.logger.Info("Shutdown sentinel received")
			return nil
		}

		select {
		case l.intake <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
