package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nugget/switchboard/internal/config"
)

// defaultShutdownGrace bounds Close when StdioConfig.ShutdownGrace is unset.
const defaultShutdownGrace = 5 * time.Second

// maxFrameSize caps a single newline-delimited frame from a subprocess.
const maxFrameSize = 16 << 20

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// Detach starts the subprocess in its own process group. When
	// false the subprocess is tied to Switchboard and is killed if
	// Switchboard dies without closing it (where the OS supports it).
	Detach bool

	// ShutdownGrace bounds how long Close waits for an in-flight
	// request and then for the subprocess to exit before killing it.
	ShutdownGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout;
// stderr is logged at debug level.
//
// Requests are serialized by a one-token semaphore because the pipe
// carries one exchange at a time. The subprocess is started by the
// first Send or Notify. Once it exits or Close is called the transport
// reports ErrTransportClosed and is never restarted.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem serializes request/response exchanges.
	sem chan struct{}

	// done is closed by Close to unblock readers.
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	started bool
	broken  bool
	closed  bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	frames  <-chan []byte
	exited  chan struct{}
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// acquire takes the exchange token, honoring ctx while waiting. A
// context that is already done never holds the token on return, even
// if the token happened to be free.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		if err := ctx.Err(); err != nil {
			<-t.sem
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns the exchange token.
func (t *StdioTransport) release() {
	<-t.sem
}

// ensureStarted launches the subprocess on first use and returns the
// pipes for one exchange. Caller must hold the exchange token.
func (t *StdioTransport) ensureStarted() (io.Writer, <-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.broken {
		return nil, nil, ErrTransportClosed
	}
	if t.started {
		return t.stdin, t.frames, nil
	}
	t.started = true

	if err := t.start(); err != nil {
		t.broken = true
		return nil, nil, err
	}
	return t.stdin, t.frames, nil
}

// start spawns the subprocess. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
		"detach", t.config.Detach,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.SysProcAttr = procAttr(t.config.Detach)
	// Grandchildren holding our pipes must not stall Wait forever.
	cmd.WaitDelay = t.config.ShutdownGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	// io.Pipe rather than StdoutPipe: Wait then waits for our copy of
	// the output instead of closing the read side underneath us.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutW.Close()
		stderrW.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	frames := make(chan []byte, 16)
	exited := make(chan struct{})

	go t.readFrames(stdoutR, frames)
	go t.drainStderr(stderrR)
	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		t.logger.Debug("MCP subprocess exited", "pid", cmd.Process.Pid, "error", err)
		close(exited)
	}()

	t.cmd = cmd
	t.stdin = stdin
	t.frames = frames
	t.exited = exited

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readFrames forwards non-empty stdout lines until EOF or Close.
func (t *StdioTransport) readFrames(r io.Reader, out chan<- []byte) {
	defer close(out)
	reader := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := readLine(reader)
		if len(line) > 0 {
			select {
			case out <- line:
			case <-t.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("MCP subprocess stdout read failed", "error", err)
			}
			return
		}
	}
}

// readLine reads one newline-terminated frame, trimming the delimiter
// and any carriage return.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
		if err != nil || !isPrefix {
			return line, err
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes a JSON-RPC request to the subprocess and reads frames
// until the matching response arrives. Server-initiated messages and
// late responses to abandoned requests are skipped.
//
// If ctx ends first the request is abandoned but the subprocess keeps
// running; its eventual response is discarded by a later Send.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	stdin, frames, err := t.ensureStarted()
	if err != nil {
		return nil, err
	}

	if err := t.write(ctx, stdin, req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Warn("MCP request abandoned before response",
				"method", req.Method,
				"id", req.ID,
				"error", ctx.Err(),
			)
			return nil, ctx.Err()
		case <-t.done:
			return nil, ErrTransportClosed
		case frame, ok := <-frames:
			if !ok {
				t.markBroken()
				return nil, fmt.Errorf("read from subprocess stdout: %w", ErrTransportClosed)
			}
			t.logger.Log(ctx, config.LevelTrace, "MCP frame received", "frame", string(frame))

			resp, err := parseInbound(frame, req.ID)
			if err != nil {
				t.logger.Debug("skipping unparseable line from MCP subprocess",
					"line", string(frame),
					"error", err,
				)
				continue
			}
			if resp == nil {
				continue
			}
			return resp, nil
		}
	}
}

// Notify writes a JSON-RPC notification to the subprocess.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	stdin, _, err := t.ensureStarted()
	if err != nil {
		return err
	}
	return t.write(ctx, stdin, notif)
}

// write sends one newline-terminated frame. Caller must hold the token.
func (t *StdioTransport) write(ctx context.Context, w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP frame sent", "frame", string(data))

	if _, err := w.Write(append(data, '\n')); err != nil {
		t.markBroken()
		return fmt.Errorf("write to subprocess stdin: %w: %w", ErrTransportClosed, err)
	}
	return nil
}

// markBroken records that the subprocess can no longer be used and
// kills it if it is still running.
func (t *StdioTransport) markBroken() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken {
		return
	}
	t.broken = true
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("kill MCP subprocess", "error", err)
		}
	}
}

// Pid returns the subprocess pid, or 0 if it has not been started.
func (t *StdioTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close stops the subprocess. It first waits up to ShutdownGrace for an
// in-flight exchange to finish, then closes stdin and waits for the
// process to exit within what remains of the grace period, then kills
// it. Close is idempotent and tolerates a subprocess that already
// exited.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.shutdown()
	})
	return t.closeErr
}

func (t *StdioTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.ShutdownGrace)
	defer cancel()

	if err := t.acquire(ctx); err != nil {
		t.logger.Warn("MCP request still in flight at shutdown, forcing close",
			"grace", t.config.ShutdownGrace,
		)
	} else {
		defer t.release()
	}

	t.mu.Lock()
	t.closed = true
	cmd, stdin, exited := t.cmd, t.stdin, t.exited
	t.mu.Unlock()
	close(t.done)

	if cmd == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	// Closing stdin asks the subprocess to exit.
	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	}

	t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill subprocess %d: %w", cmd.Process.Pid, err)
	}
	<-exited
	return nil
}
