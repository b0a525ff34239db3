package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/metrics"
	"go.uber.org/atomic"
)

const (
	// DefaultStopTimeout is the SIGTERM grace period used when none is configured.
	DefaultStopTimeout = 5 * time.Second
	// DefaultSettleDelay is the pause between stop and start during a restart.
	DefaultSettleDelay = time.Second

	maxOutputLine = 1 << 20
)

// SupervisorConfig locates the engine binary and its configuration file.
type SupervisorConfig struct {
	// EnginePath is the xray executable.
	EnginePath string
	// ConfigPath is passed to the engine as `run -c <ConfigPath>`.
	ConfigPath string

	// StopTimeout bounds the wait after SIGTERM before the process is killed.
	StopTimeout time.Duration
	// SettleDelay is the pause between stop and start during a restart.
	SettleDelay time.Duration

	// Log receives supervisor events and, tagged source=engine, the engine's
	// own output.
	Log *slog.Logger
}

// Supervisor owns the lifecycle of a single engine process.
type Supervisor struct {
	cfg       SupervisorConfig
	log       *slog.Logger
	engineLog *slog.Logger

	// lifecycle serializes Start, Stop and Restart sequences.
	lifecycle sync.Mutex
	proc      atomic.Pointer[engineProcess]
}

type engineProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	stopping atomic.Bool
}

func (p *engineProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// NewSupervisor returns a supervisor for a stopped engine. Zero timeouts take
// the package defaults.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	return &Supervisor{
		cfg:       cfg,
		log:       cfg.Log,
		engineLog: cfg.Log.With("source", "engine"),
	}
}

var _ interfaces.EngineSupervisor = (*Supervisor)(nil)

// Start launches `<enginePath> run -c <configPath>`. It is a no-op when the
// engine is already running.
func (s *Supervisor) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked()
}

// Stop terminates the engine, escalating to SIGKILL after StopTimeout.
func (s *Supervisor) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
}

// Restart stops the engine, waits SettleDelay and starts it again. The
// context only interrupts the settle pause.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.log.Info("Restarting engine")
	metrics.EngineRestarts.Inc()
	s.stopLocked()

	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return fmt.Errorf("engine restart interrupted: %w", ctx.Err())
	}

	return s.startLocked()
}

// IsRunning reports whether the engine process is alive. It never blocks on
// an in-flight lifecycle operation.
func (s *Supervisor) IsRunning() bool {
	p := s.proc.Load()
	return p != nil && p.alive()
}

// PID returns the engine's process id, or 0 when it is not running.
func (s *Supervisor) PID() int {
	p := s.proc.Load()
	if p == nil || !p.alive() {
		return 0
	}
	return p.cmd.Process.Pid
}

func (s *Supervisor) startLocked() error {
	if s.IsRunning() {
		s.log.Warn("Engine is already running")
		return nil
	}

	s.log.Info("Starting engine", "path", s.cfg.EnginePath, "config", s.cfg.ConfigPath)

	pr, pw := io.Pipe()
	cmd := exec.Command(s.cfg.EnginePath, "run", "-c", s.cfg.ConfigPath)
	cmd.Stdout = pw
	cmd.Stderr = pw
	// Bounds Wait if a descendant keeps the output pipe open after the engine exits.
	cmd.WaitDelay = s.cfg.StopTimeout

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		s.log.Error("Could not start engine", "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrProcessLaunch, err)
	}

	proc := &engineProcess{cmd: cmd, done: make(chan struct{})}
	s.proc.Store(proc)
	metrics.EngineStarts.Inc()
	metrics.EngineRunning.Set(1)

	go s.relayOutput(pr)
	go s.wait(proc, pw)

	s.log.Info("Engine started", "pid", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) stopLocked() {
	p := s.proc.Load()
	if p == nil || !p.alive() {
		s.log.Warn("Engine is not running")
		s.proc.Store(nil)
		return
	}

	pid := p.cmd.Process.Pid
	s.log.Info("Stopping engine", "pid", pid)
	p.stopping.Store(true)

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.Debug("Could not signal engine", "pid", pid, "err", err)
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		s.log.Warn("Killing engine", "pid", pid, "err", interfaces.ErrProcessTerminationTimeout, "timeout", s.cfg.StopTimeout)
		if err := p.cmd.Process.Kill(); err != nil {
			s.log.Debug("Could not kill engine", "pid", pid, "err", err)
		}
		<-p.done
	}

	s.proc.Store(nil)
	s.log.Info("Engine stopped", "pid", pid)
}

func (s *Supervisor) wait(p *engineProcess, pw *io.PipeWriter) {
	err := p.cmd.Wait()
	pw.Close()
	// Cleared before done is closed: a following start can only begin after
	// done, so its Set(1) always wins.
	metrics.EngineRunning.Set(0)
	close(p.done)

	if p.stopping.Load() {
		s.log.Debug("Engine exited", "pid", p.cmd.Process.Pid, "status", p.cmd.ProcessState.String())
		return
	}

	metrics.EngineUnexpectedExits.Inc()
	s.log.Error("Engine exited unexpectedly", "pid", p.cmd.Process.Pid, "status", p.cmd.ProcessState.String(), "err", err)
}

func (s *Supervisor) relayOutput(r *io.PipeReader) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		s.engineLog.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("Engine output relay failed, discarding remaining output", "err", err)
		_, _ = io.Copy(io.Discard, r)
	}
}
