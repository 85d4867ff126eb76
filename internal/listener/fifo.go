package listener

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/sjs/internal/protocol"
)

var (
	// ErrNotFIFO the path exists but is not a named pipe
	ErrNotFIFO = errors.New("path exists and is not a FIFO")
)

// EnsureFIFO creates the inbound named pipe at path.
//
// created is false when a FIFO was already there (left behind by a previous
// instance). A non-FIFO at path is an error.
func EnsureFIFO(path string) (created bool, err error) {
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if info.Mode()&fs.ModeNamedPipe == 0 {
			return false, fmt.Errorf("%s: %w", path, ErrNotFIFO)
		}
		return false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return false, err
	}

	if err := unix.Mkfifo(path, 0o666); err != nil {
		return false, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return true, nil
}

// IsFIFO reports whether path is a named pipe.
func IsFIFO(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&fs.ModeNamedPipe != 0
}

// RemoveFIFO removes the inbound channel; a missing path is not an error.
func RemoveFIFO(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteSentinel writes the shutdown sentinel onto the inbound channel.
//
// The listener holds the FIFO open for reading, so the non-blocking open
// succeeds immediately while it is alive.
func WriteSentinel(path string) error {
	frame, err := protocol.Marshal(protocol.Sentinel)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	_, err = f.Write(frame)
	return err
}
