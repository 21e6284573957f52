package xray

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"vlyne/internal/logger"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
	ErrLaunch         = errors.New("engine failed to launch")
)

var terminateProcess = terminate

// Process describes one engine invocation: "<EnginePath> -c <ConfigPath>".
type Process struct {
	EnginePath string
	ConfigPath string
	// ErrorLog is read for diagnostics after an abnormal exit. Optional.
	ErrorLog string
}

// LogLine is one line of engine output.
type LogLine struct {
	Text   string
	Stderr bool
}

// String renders the line the way it is relayed to observers.
func (l LogLine) String() string {
	if l.Stderr {
		return "[ERROR] " + l.Text
	}
	return l.Text
}

// ExitStatus describes how the engine terminated.
type ExitStatus struct {
	Code   int    // -1 when killed by a signal
	Signal string // empty unless killed by a signal
	// Requested is true when the exit followed a Stop call.
	Requested bool
	Err       error
}

// Abnormal reports an exit that was neither requested nor clean.
func (s ExitStatus) Abnormal() bool {
	return !s.Requested && (s.Code != 0 || s.Signal != "")
}

// Hooks receive engine output and the final exit. Both are optional and are
// called from supervisor goroutines.
type Hooks struct {
	Line func(LogLine)
	Exit func(ExitStatus)
}

// Supervisor owns at most one engine subprocess.
type Supervisor struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Start launches the engine and returns once the process exists. It does not
// wait for the engine to become ready.
func (s *Supervisor) Start(p Process, hooks Hooks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(p.EnginePath, "-c", p.ConfigPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	logger.Log.Debugf("Engine started (pid %d): %s -c %s", cmd.Process.Pid, p.EnginePath, p.ConfigPath)

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.stopping = false

	var relay sync.WaitGroup
	relay.Add(2)
	go s.pump(stdout, false, hooks.Line, &relay)
	go s.pump(stderr, true, hooks.Line, &relay)

	go s.wait(cmd, p, hooks.Exit, &relay, done)
	return nil
}

func (s *Supervisor) pump(r io.Reader, isStderr bool, sink func(LogLine), wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if sink != nil {
			sink(LogLine{Text: line, Stderr: isStderr})
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Log.Warnf("Engine output relay stopped: %v", err)
		// keep the pipe drained so the engine never blocks on a write
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) wait(cmd *exec.Cmd, p Process, onExit func(ExitStatus), relay *sync.WaitGroup, done chan struct{}) {
	// Pipes must be drained before Wait closes them.
	relay.Wait()
	waitErr := cmd.Wait()

	status := exitStatus(cmd, waitErr)

	s.mu.Lock()
	status.Requested = s.stopping
	s.cmd = nil
	s.done = nil
	s.stopping = false
	s.mu.Unlock()
	close(done)

	if status.Abnormal() {
		logger.Log.Warnf("Engine exited unexpectedly (code %d, signal %q)", status.Code, status.Signal)
		reportErrorLog(p.ErrorLog)
	} else {
		logger.Log.Debugf("Engine exited (code %d)", status.Code)
	}

	if onExit != nil {
		onExit(status)
	}
}

func exitStatus(cmd *exec.Cmd, waitErr error) ExitStatus {
	status := ExitStatus{Err: waitErr}
	state := cmd.ProcessState
	if state == nil {
		status.Code = -1
		return status
	}
	status.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

// reportErrorLog logs the tail of the engine's error log. Missing or
// unreadable files are ignored.
func reportErrorLog(path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Log.Debugf("No engine error log at %s: %v", path, err)
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return
	}
	const maxTail = 4096
	if len(text) > maxTail {
		text = text[len(text)-maxTail:]
	}
	logger.Log.Warnf("Engine error log:\n%s", text)
}

// Stop terminates the engine (the whole process tree on Windows) and waits
// for it to exit. The returned error is the termination command's own
// failure; if ctx expires first the process is killed outright. A process
// that exited on its own in the meantime counts as stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	if cmd == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.stopping = true
	s.mu.Unlock()

	var termErr error
	if cmd.Process.Pid <= 0 {
		termErr = cmd.Process.Kill()
	} else {
		termErr = terminateProcess(cmd.Process)
	}
	if errors.Is(termErr, os.ErrProcessDone) {
		logger.Log.Debugf("Engine pid %d had already exited", cmd.Process.Pid)
		termErr = nil
	}
	if termErr != nil {
		termErr = fmt.Errorf("failed to terminate engine: %w", termErr)
	}

	select {
	case <-done:
	case <-ctx.Done():
		logger.Log.Warnf("Engine did not exit in time, killing pid %d", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	return termErr
}

// Running reports whether a process handle is currently held.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// PID returns the engine's process id, or 0 when nothing runs.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
