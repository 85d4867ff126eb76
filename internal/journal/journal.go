package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加任務生命週期事件到日誌檔案（append-only）
// 2. 提供讀取功能供 `sjs journal` 檢視
// 3. 確保資料完整性（CRC32）
//
// 注意：佇列狀態不跨重啟保存，journal 只供稽核，啟動時不會重放回狀態。
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// maxLineSize 單行事件上限（命令列最長約 64 KiB）
const maxLineSize = 1 << 20

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 表示一個 append-only 事件日誌
type Journal struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // 日誌檔案
	path         string        // 日誌檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
	now          func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 Journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - 日誌檔案路徑
	syncOnAppend - 每次追加後 fsync

回傳：

	*Journal 實例，錯誤（如果有）
*/
func Open(path string, syncOnAppend bool) (*Journal, error) {
	seq, err := lastValidSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq、填入時間戳
// - 計算 checksum
// - 以單次 Write 寫入一行 JSON
//
// nil Journal 上呼叫為 no-op，未啟用 journal 時直接傳 nil。
func (j *Journal) Append(e Event) error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	e.Seq = j.seq
	e.Timestamp = j.now().UnixMilli()
	e.Checksum = CalculateChecksum(e)

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return err
	}
	if j.syncOnAppend {
		return j.file.Sync()
	}
	return nil
}

// LastSeq 取得當前的事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close 關閉 Journal，關閉後不可再用
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// lastValidSeq 掃描到第一個損毀的行為止；未完成的尾行（崩潰時寫入一半）不阻止重新開啟
func lastValidSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var seq uint64
	err = Read(f, func(e Event) error {
		seq = e.Seq
		return nil
	})
	if err != nil && !errors.Is(err, ErrCorrupted) && !errors.Is(err, ErrChecksumMismatch) {
		return 0, err
	}
	return seq, nil
}

// ============================================================================
// 讀取
// ============================================================================

// Read 從頭讀取日誌並逐一交給 handler
//
// 遇到無法解析的行回傳 *CorruptionError，校驗和錯誤回傳 *ChecksumError，
// handler 回傳錯誤時立即停止。
func Read(r io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadFile 讀取整個日誌檔案
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	err = Read(f, func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

// LastEvent 從日誌檔案讀取最後一個事件
//
// 檔案為空時回傳 (nil, nil)。
func LastEvent(path string) (*Event, error) {
	events, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	return &last, nil
}
