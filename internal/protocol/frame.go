package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize 單一訊框（不含換行）的上限
const MaxFrameSize = 64 * 1024

var (
	// ErrFrameTooLarge 訊框超過 MaxFrameSize，已丟棄至下一個換行
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMalformed 訊框不是單一 JSON 物件
	ErrMalformed = errors.New("malformed frame")
)

// IsRecoverable reports whether a decode error only affected one frame.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrMalformed)
}

// Decoder 從位元組流讀取換行分隔的請求
//
// 超大或無法解析的訊框只影響該行，Decoder 之後仍可繼續讀取。
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder 建立 Decoder
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame returns the next non-blank line without its trailing newline.
// A final line without a newline is returned before io.EOF.
func (d *Decoder) ReadFrame() ([]byte, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > MaxFrameSize+1 {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, ErrFrameTooLarge
			}
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if oversized {
				return nil, ErrFrameTooLarge
			}
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Decode 讀取並解析下一個請求
func (d *Decoder) Decode() (Request, error) {
	frame, err := d.ReadFrame()
	if err != nil {
		return Request{}, err
	}
	return ParseRequest(frame)
}

// requestHeader 回覆所需的欄位；這些欄位無法解析時無處回覆
type requestHeader struct {
	Type         string `json:"type"`
	ReplyChannel string `json:"reply_channel"`
	Port         string `json:"port"`
	Shutdown     bool   `json:"SHUTDOWN"`
}

// ParseRequest parses one frame into a Request.
//
// Only frames whose header cannot be decoded are ErrMalformed. A wrong type in
// any other field is reported through Request.Invalid so the request can
// still be answered.
func ParseRequest(frame []byte) (Request, error) {
	var h requestHeader
	if err := json.Unmarshal(frame, &h); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{
			Type:         h.Type,
			ReplyChannel: h.ReplyChannel,
			Port:         h.Port,
			Shutdown:     h.Shutdown,
			Invalid:      fieldError(err),
		}, nil
	}
	return req, nil
}

func fieldError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Errorf("field %s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return err
}

// Encoder 將值編碼為單行 JSON，每次呼叫只做一次 Write
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder 建立 Encoder
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v followed by a newline.
func (e *Encoder) Encode(v any) error {
	frame, err := Marshal(v)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(frame)
	return err
}

// Marshal encodes v as one newline-terminated frame.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return append(data, '\n'), nil
}

// DecodeReply 讀取單一回應
func DecodeReply(r io.Reader) (Reply, json.RawMessage, error) {
	frame, err := NewDecoder(r).ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Reply{}, nil, io.ErrUnexpectedEOF
		}
		return Reply{}, nil, err
	}
	var reply Reply
	if err := json.Unmarshal(frame, &reply); err != nil {
		return Reply{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return reply, json.RawMessage(frame), nil
}
