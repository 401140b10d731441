package sockbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AckToken is written by the worker to stdout once its socket is listening
const AckToken = "ACK"

// DefaultStopTimeout is how long Stop waits for the worker to exit after
// SIGINT before killing it
const DefaultStopTimeout = 2 * time.Second

// SpawnMode selects how the worker is launched
type SpawnMode int

const (
	// SpawnExecutable runs a prebuilt worker binary
	SpawnExecutable SpawnMode = iota
	// SpawnSource builds and runs a single Go source file with `go run`
	SpawnSource
)

// SupervisorConfig holds configuration for creating a Supervisor
type SupervisorConfig struct {
	// Path is the worker binary, or the .go file in SpawnSource mode
	Path string
	Mode SpawnMode
	// GoCommand is the toolchain used in SpawnSource mode. Defaults to "go".
	GoCommand string

	// Args are passed to the worker after --addr <path>
	Args []string
	// Env is appended to the host environment
	Env []string

	// SocketDir holds the socket file. Defaults to os.TempDir().
	SocketDir   string
	IDGenerator IDGenerator

	// Stdout and Stderr receive the worker's output. Default to the host's.
	Stdout io.Writer
	Stderr io.Writer

	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Supervisor owns the worker process: spawn, readiness handshake, teardown
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	addr    string
	stopped bool

	exited  chan struct{}
	exitErr error
}

// NewSupervisor creates a Supervisor with defaults applied to cfg
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.GoCommand == "" {
		cfg.GoCommand = "go"
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = NewRandomIDGenerator(DefaultIDLength, DefaultCharset)
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "supervisor"),
		exited: make(chan struct{}),
	}
}

// Start spawns the worker and waits until it acknowledges readiness.
// It returns the socket address the worker is listening on.
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return "", ErrAlreadyStarted
	}

	addr := filepath.Join(s.cfg.SocketDir, fmt.Sprintf("sockbridge-%s.sock", s.cfg.IDGenerator.Next()))
	name, args, err := s.command(addr)
	if err != nil {
		s.mu.Unlock()
		return "", &StartupError{Message: "invalid worker command", Err: err}
	}

	h := newHandshake(s.cfg.Stdout, s.cfg.Stderr, s.logger)
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stdout = &stdoutWatcher{h: h}
	cmd.Stderr = &stderrWatcher{h: h}
	cmd.WaitDelay = s.cfg.StopTimeout
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return "", &StartupError{Message: "failed to spawn worker", Err: err}
	}
	s.cmd = cmd
	s.addr = addr
	s.mu.Unlock()

	s.logger.Debug("worker spawned", "pid", cmd.Process.Pid, "addr", addr, "command", name)
	go s.wait(h)

	select {
	case <-h.done:
	case <-ctx.Done():
		h.fail(&StartupError{Message: "worker startup cancelled", Err: ctx.Err()})
	}

	if err := h.result(); err != nil {
		_ = s.Kill()
		return "", err
	}
	s.logger.Debug("worker acknowledged readiness", "pid", cmd.Process.Pid)
	return addr, nil
}

func (s *Supervisor) command(addr string) (string, []string, error) {
	if s.cfg.Path == "" {
		return "", nil, errors.New("worker path is required")
	}
	args := append([]string{"--addr", addr}, s.cfg.Args...)

	switch s.cfg.Mode {
	case SpawnExecutable:
		return s.cfg.Path, args, nil
	case SpawnSource:
		if filepath.Ext(s.cfg.Path) != ".go" {
			return "", nil, fmt.Errorf("source mode needs a single .go file, got %q", s.cfg.Path)
		}
		return s.cfg.GoCommand, append([]string{"run", s.cfg.Path}, args...), nil
	default:
		return "", nil, fmt.Errorf("unknown spawn mode %d", s.cfg.Mode)
	}
}

// wait reaps the process. An exit before the handshake fails Start.
func (s *Supervisor) wait(h *handshake) {
	err := s.cmd.Wait()
	s.exitErr = err
	h.fail(&StartupError{Message: "worker exited before acknowledging readiness", Err: err})
	close(s.exited)
	s.logger.Debug("worker exited", "pid", s.cmd.Process.Pid, "error", err)
}

// Stop interrupts the worker, waits up to StopTimeout for it to exit and
// kills it otherwise. The socket file is removed.
func (s *Supervisor) Stop() error {
	cmd, ok := s.markStopped()
	if !ok {
		return nil
	}
	defer s.removeSocket()

	select {
	case <-s.exited:
		return nil
	default:
	}

	if err := interruptProcess(cmd.Process); err != nil {
		s.logger.Debug("interrupt failed, killing worker", "pid", cmd.Process.Pid, "error", err)
		_ = killProcess(cmd.Process)
	}

	select {
	case <-s.exited:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("worker ignored interrupt, killing it", "pid", cmd.Process.Pid, "timeout", s.cfg.StopTimeout)
		if err := killProcess(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill worker: %w", err)
		}
		<-s.exited
	}
	return nil
}

// Kill terminates the worker immediately
func (s *Supervisor) Kill() error {
	cmd, ok := s.markStopped()
	if !ok {
		return nil
	}
	defer s.removeSocket()

	if err := killProcess(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker: %w", err)
	}
	<-s.exited
	return nil
}

func (s *Supervisor) markStopped() (*exec.Cmd, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.stopped {
		return nil, false
	}
	s.stopped = true
	return s.cmd, true
}

func (s *Supervisor) removeSocket() {
	if err := os.Remove(s.addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("failed to remove socket file", "addr", s.addr, "error", err)
	}
}

// Addr returns the socket address handed to the worker
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Pid returns the worker's process id, or 0 before Start
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited is closed once the worker process has been reaped
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

// ExitErr returns the process exit error. Only meaningful after Exited is
// closed.
func (s *Supervisor) ExitErr() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

type handshakeState int

const (
	stateAwaitingAck handshakeState = iota
	stateReady
	stateFailed
)

// handshake tracks worker readiness. Stdout is fed line by line until the
// ack token shows up; any stderr output before that fails the startup.
type handshake struct {
	mu    sync.Mutex
	state handshakeState
	err   error
	done  chan struct{}
	lines *Splitter

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func newHandshake(stdout, stderr io.Writer, logger *slog.Logger) *handshake {
	return &handshake{
		done:   make(chan struct{}),
		lines:  NewSplitter('\n'),
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}
}

// transition moves out of stateAwaitingAck. Later transitions are ignored.
// Callers hold h.mu.
func (h *handshake) transition(state handshakeState, err error) {
	if h.state != stateAwaitingAck {
		return
	}
	h.state = state
	h.err = err
	close(h.done)
}

func (h *handshake) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transition(stateFailed, err)
}

func (h *handshake) result() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

type stdoutWatcher struct {
	h *handshake
}

func (w *stdoutWatcher) Write(p []byte) (int, error) {
	h := w.h
	h.mu.Lock()
	if h.state != stateAwaitingAck {
		h.mu.Unlock()
		_, _ = h.stdout.Write(p)
		return len(p), nil
	}

	var rest []byte
	lines := h.lines.Push(p)
	for i, line := range lines {
		if strings.Contains(line, AckToken) {
			h.transition(stateReady, nil)
			for _, l := range lines[i+1:] {
				rest = append(rest, l...)
				rest = append(rest, '\n')
			}
			rest = append(rest, h.lines.Pending()...)
			break
		}
		h.logger.Debug("ignoring worker output before handshake", "line", line)
	}
	// Tolerate a worker that prints the token without a trailing newline.
	if h.state == stateAwaitingAck && strings.Contains(h.lines.Pending(), AckToken) {
		h.transition(stateReady, nil)
	}
	h.mu.Unlock()

	if len(rest) > 0 {
		_, _ = h.stdout.Write(rest)
	}
	return len(p), nil
}

type stderrWatcher struct {
	h *handshake
}

func (w *stderrWatcher) Write(p []byte) (int, error) {
	h := w.h
	h.mu.Lock()
	if h.state == stateAwaitingAck {
		msg := strings.TrimSpace(string(bytes.ToValidUTF8(p, []byte("�"))))
		if msg == "" {
			msg = "worker wrote to stderr before acknowledging readiness"
		}
		h.transition(stateFailed, &StartupError{Message: msg})
	}
	h.mu.Unlock()

	_, _ = h.stderr.Write(p)
	return len(p), nil
}
