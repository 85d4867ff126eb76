package listener

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/sjs/internal/protocol"
)

var (
	// ErrReplyTimeout no reader opened the reply channel in time
	ErrReplyTimeout = errors.New("reply channel has no reader")
)

// FIFOReplyWriter writes one response frame to a client-created FIFO.
//
// The path is opened O_WRONLY|O_NONBLOCK: ENXIO means the client has not
// opened its end yet and the open is retried until Timeout. The writer never
// creates or removes the path and refuses anything that is not a FIFO.
type FIFOReplyWriter struct {
	Timeout       time.Duration
	RetryInterval time.Duration
}

// NewFIFOReplyWriter 建立回覆寫入器
func NewFIFOReplyWriter(timeout time.Duration) *FIFOReplyWriter {
	return &FIFOReplyWriter{Timeout: timeout, RetryInterval: 10 * time.Millisecond}
}

// WriteReply implements dispatcher.ReplyWriter.
func (w *FIFOReplyWriter) WriteReply(ctx context.Context, path string, resp protocol.Response) error {
	frame, err := protocol.Marshal(resp)
	if err != nil {
		return err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotFIFO)
	}

	deadline := time.Now().Add(w.Timeout)
	f, err := w.open(ctx, path, deadline)
	if err != nil {
		return err
	}
	defer f.Close()

	// 客戶端讀取過慢時不要讓 Dispatcher 永遠卡住
	if err := f.SetWriteDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return err
	}
	_, err = f.Write(frame)
	return err
}

func (w *FIFOReplyWriter) open(ctx context.Context, path string, deadline time.Time) (*os.File, error) {
	interval := w.RetryInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	for {
		f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", path, ErrReplyTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
