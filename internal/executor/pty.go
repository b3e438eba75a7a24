package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"syscall"

	"github.com/creack/pty"
)

// runPTY runs cmd with stdin, stdout, and stderr attached to a fresh
// pseudo-terminal and returns the combined output.
func (s *Shell) runPTY(ctx context.Context, cmd string) (string, error) {
	c := s.command(ctx, cmd)
	f, err := pty.StartWithSize(c, &pty.Winsize{Rows: 50, Cols: 200})
	if err != nil {
		return "", err
	}
	defer f.Close()
	// Unblock the copy when the deadline kills the shell but a grandchild
	// still holds the terminal open.
	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	var out bytes.Buffer
	w := &limitedWriter{buf: &out, max: s.maxOutput}
	_, copyErr := io.Copy(w, f)
	// Linux reports EIO on the master once the child side closes.
	if copyErr != nil && !errors.Is(copyErr, syscall.EIO) {
		s.logger.Debug("pty read", "error", copyErr)
	}
	return out.String(), c.Wait()
}
