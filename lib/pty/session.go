// Package pty wraps a single child pseudo-terminal: the login shell spawn,
// idle-debounced assistant launch sequencing, resize/write/kill, and the
// in-memory replay ring buffer described in SPEC_FULL.md. It implements
// spec §4.4.
package pty

import (
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	defaultCols = 120
	defaultRows = 30

	idleGap         = 300 * time.Millisecond
	idleForceDelay  = 5 * time.Second
	gracefulWait    = 50 * time.Millisecond
	replayBufferCap = 64 * 1024
)

// Kind identifies which assistant a session launches.
type Kind string

const (
	KindA Kind = "kind-A"
	KindB Kind = "kind-B"
)

// launchCommands maps a Kind to its launch command, per spec §4.4. For
// kinds marked in resumeCapable, writeLaunchCommand builds the resume
// variant with a fallback ("<cmd> --continue || <cmd>") from it.
var launchCommands = map[Kind]string{
	KindA: "claude",
	KindB: "copilot",
}

var resumeCapable = map[Kind]bool{
	KindA: true,
	KindB: false,
}

// Config configures a new Session.
type Config struct {
	Kind       Kind
	WorkingDir string
	Resume     bool
	Cols, Rows int
	Clock      clockwork.Clock
	Log        *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Kind == "" {
		return trace.BadParameter("missing session kind")
	}
	if c.Cols == 0 {
		c.Cols = defaultCols
	}
	if c.Rows == 0 {
		c.Rows = defaultRows
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Session wraps one child PTY and its launch-sequencing state machine.
type Session struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	pty      *os.File
	cmd      *exec.Cmd
	killed   bool
	replay   *ringBuffer
	dataCh   chan []byte
	exitCh   chan ExitEvent
	idleStop chan struct{}
}

// ExitEvent is emitted once when the child process terminates on its own.
// No ExitEvent is emitted for a session that was killed.
type ExitEvent struct {
	Code   int
	Signal string
}

// New spawns the login shell and begins idle-debounced launch sequencing.
// If workingDir does not exist, the shell starts in the user's home
// directory instead and a warning is logged (spec §4.4, §8).
func New(cfg Config) (*Session, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := cfg.Log.WithField(trace.Component, "pty-session")

	workDir := cfg.WorkingDir
	if _, err := os.Stat(workDir); err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, trace.Wrap(err, "working directory %q does not exist and home could not be resolved", workDir)
		}
		log.WithField("requested", workDir).WithField("fallback", home).
			Warn("working directory does not exist, falling back to home")
		workDir = home
	}

	shell := loginShell()
	cmd := exec.Command(shell)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)})
	if err != nil {
		return nil, trace.Wrap(err, "spawning pty")
	}

	s := &Session{
		cfg:      cfg,
		log:      log,
		pty:      f,
		cmd:      cmd,
		replay:   newRingBuffer(replayBufferCap),
		dataCh:   make(chan []byte, 64),
		exitCh:   make(chan ExitEvent, 1),
		idleStop: make(chan struct{}),
	}

	go s.readLoop()
	go s.sequenceLaunch()

	return s, nil
}

// Data returns the channel of raw output chunks. Closed after Kill.
func (s *Session) Data() <-chan []byte { return s.dataCh }

// Exit returns the channel that receives at most one ExitEvent and is then
// closed. After Kill it is closed without receiving an event.
func (s *Session) Exit() <-chan ExitEvent { return s.exitCh }

// Replay returns up to the last 64 KiB of output emitted so far.
func (s *Session) Replay() []byte {
	return s.replay.Snapshot()
}

func loginShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			killed := s.killed
			s.mu.Unlock()

			if !killed {
				s.replay.Write(chunk)
				// Non-blocking: a slow consumer drops chunks rather than
				// stalling the PTY. Unlike other drop-with-warn channels in
				// this codebase, a dropped chunk here can land mid-escape
				// sequence and corrupt the consumer's rendered screen; the
				// replay buffer above is written first and unconditionally
				// so a reattaching consumer can still recover a clean tail.
				select {
				case s.dataCh <- chunk:
				default:
				}
				select {
				case s.idleStop <- struct{}{}:
				default:
				}
			}
		}
		if err != nil {
			s.handleExit()
			return
		}
	}
}

// sequenceLaunch implements the idle-debounce launch sequencing of spec
// §4.4: wait for a 300ms gap in output, or force the write after 5s.
func (s *Session) sequenceLaunch() {
	clock := s.cfg.Clock
	idleTimer := clock.NewTimer(idleGap)
	forceTimer := clock.NewTimer(idleForceDelay)
	defer idleTimer.Stop()
	defer forceTimer.Stop()

	for {
		select {
		case <-s.idleStop:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.Chan():
				default:
				}
			}
			idleTimer.Reset(idleGap)
		case <-idleTimer.Chan():
			s.writeLaunchCommand()
			return
		case <-forceTimer.Chan():
			s.writeLaunchCommand()
			return
		}
	}
}

func (s *Session) writeLaunchCommand() {
	cmd, ok := launchCommands[s.cfg.Kind]
	if !ok {
		return
	}
	if s.cfg.Resume && resumeCapable[s.cfg.Kind] {
		cmd = cmd + " --continue || " + cmd
	}
	_ = s.Write([]byte(cmd + "\r"))
}

// Write forwards bytes to the PTY. No-op after termination.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return nil
	}
	_, err := s.pty.Write(data)
	return trace.Wrap(err)
}

// Resize forwards a window size change. No-op after termination.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return nil
	}
	return trace.Wrap(pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}))
}

// Kill is idempotent: it signals the child process gracefully then
// forcefully after 50ms, and suppresses further emission. A launch command
// still pending is never written, because Write is a no-op once killed;
// the launch-sequencing timers are not stopped, and that goroutine exits
// when one of them fires. It does not block on process exit.
func (s *Session) Kill() {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	proc := s.cmd.Process
	s.mu.Unlock()

	if proc == nil {
		return
	}

	_ = proc.Signal(terminateSignal())
	go func() {
		timer := s.cfg.Clock.After(gracefulWait)
		<-timer
		// Force kill if the graceful signal did not land; Kill is
		// itself idempotent on an already-exited process.
		_ = proc.Kill()
	}()
}

func (s *Session) handleExit() {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		// Reap the child even though Kill() already suppresses the exit
		// event; otherwise a killed process lingers as a zombie until this
		// Session is garbage collected.
		_ = s.cmd.Wait()
		close(s.dataCh)
		close(s.exitCh)
		return
	}
	s.killed = true
	s.mu.Unlock()

	code, signal := -1, ""
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	} else {
		code = 0
	}

	s.exitCh <- ExitEvent{Code: code, Signal: signal}
	close(s.dataCh)
	close(s.exitCh)
}
