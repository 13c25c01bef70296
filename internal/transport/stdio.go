package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

const defaultMaxLineSize = 32 << 20

// StreamConn speaks newline-delimited frames over a reader and a writer.
// JSON frames never contain a raw newline, so a line is exactly one frame.
type StreamConn struct {
	scanner *bufio.Scanner

	mu sync.Mutex
	w  io.Writer

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
	onClose   func() error
}

// NewStreamConn frames r and w. onClose, if set, runs once on Close.
func NewStreamConn(r io.Reader, w io.Writer, maxFrame int, onClose func() error) *StreamConn {
	if maxFrame <= 0 {
		maxFrame = defaultMaxLineSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)
	return &StreamConn{
		scanner: scanner,
		w:       w,
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

func (c *StreamConn) ReadFrame() ([]byte, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *StreamConn) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("frame contains a newline and cannot be line delimited")
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := c.w.Write(buf)
	return err
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.closeErr = c.onClose()
		}
	})
	return c.closeErr
}

// ProcessDialer launches a host as a child process and talks to it over its
// stdin and stdout. The child's stderr is forwarded to the logger.
type ProcessDialer struct {
	Command []string
	Env     []string
	// Grace period for the child to exit after stdin closes before it is killed.
	ExitWait       time.Duration
	MaxMessageSize int
	Logger         *zap.Logger
}

// Dial starts the process. ctx bounds the start only; the process lives until
// the returned Conn is closed.
func (d *ProcessDialer) Dial(ctx context.Context) (Conn, error) {
	if len(d.Command) == 0 {
		return nil, errors.New("process transport has no command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("process").With(zap.String("command", d.Command[0]))

	cmd := exec.Command(d.Command[0], d.Command[1:]...)
	if len(d.Env) > 0 {
		cmd.Env = append(cmd.Environ(), d.Env...)
	}
	stderr := &zapio.Writer{Log: logger, Level: zapcore.DebugLevel}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// Wait closes pipes created by StdoutPipe, dropping frames the child wrote
	// before exiting. An os.Pipe keeps the read end ours until Close.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = childOut
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = childOut.Close()
		return nil, fmt.Errorf("starting %s: %w", d.Command[0], err)
	}
	// The child holds its own copy; ours must go so the reader sees EOF.
	_ = childOut.Close()
	logger.Debug("Host process started.", zap.Int("pid", cmd.Process.Pid))

	exitWait := d.ExitWait
	if exitWait <= 0 {
		exitWait = 5 * time.Second
	}
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		_ = stderr.Close()
	}()

	stop := func() error {
		defer stdout.Close()
		_ = stdin.Close()
		select {
		case err := <-exited:
			return ignoreExit(err)
		case <-time.After(exitWait):
			logger.Warn("Host process did not exit, killing it.", zap.Duration("waited", exitWait))
			_ = cmd.Process.Kill()
			return ignoreExit(<-exited)
		}
	}
	return NewStreamConn(stdout, stdin, d.MaxMessageSize, stop), nil
}

// ignoreExit treats a non-zero exit after we asked the child to stop as clean.
func ignoreExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
