// Package mcp manages the tool-server subprocess and the request/response
// protocol spoken with it over stdio.
package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxFrameSize bounds a single stdout frame. Tool results can be large
// but a frame beyond this is treated as a runaway server.
const maxFrameSize = 4 << 20 // 4MB

// stopGracePeriod is how long Stop waits for a clean exit before killing.
const stopGracePeriod = 2 * time.Second

// ProcessState is the liveness state of the subprocess handle.
type ProcessState string

const (
	StateStarting ProcessState = "starting"
	StateReady    ProcessState = "ready"
	StateDegraded ProcessState = "degraded"
	StateDead     ProcessState = "dead"
)

// Handle describes the current subprocess.
type Handle struct {
	PID       int
	State     ProcessState
	StartedAt time.Time
}

// ProcessConfig holds the subprocess launch settings.
type ProcessConfig struct {
	Command        string
	Args           []string
	WorkingDir     string
	Env            []string // extra KEY=VALUE entries appended to the parent env
	StartupTimeout time.Duration
	MaxRestarts    int
	RestartWindow  time.Duration
	RestartDelay   time.Duration
}

// ProcessCallbacks are invoked from the manager's internal goroutines.
// Implementations must be safe for concurrent use.
type ProcessCallbacks struct {
	// OnFrame is called for each line read from the subprocess stdout.
	OnFrame func(line []byte)

	// OnReady performs the readiness handshake after each (re)spawn. The
	// context carries the startup timeout. Frames written during OnReady
	// go out even though the handle is still starting.
	OnReady func(ctx context.Context) error

	// OnDown is called when the manager gives up on the subprocess:
	// the restart budget is exhausted or a relaunch failed outright.
	OnDown func(err error)
}

// ProcessManager owns the lifecycle of the tool-server subprocess:
// start, readiness handshake, restart-on-crash within a sliding-window
// budget, and shutdown. There is at most one live subprocess per manager.
type ProcessManager struct {
	cfg       ProcessConfig
	callbacks ProcessCallbacks

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	writeMu     sync.Mutex
	state       ProcessState
	startedAt   time.Time
	started     bool
	unavailable bool
	restarts    []time.Time // launch times inside the sliding window
	stateCh     chan struct{}
	waitDone    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessManager creates a manager. Callbacks must be set before Start.
func NewProcessManager(cfg ProcessConfig, callbacks ProcessCallbacks) *ProcessManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessManager{
		cfg:       cfg,
		callbacks: callbacks,
		state:     StateDead,
		stateCh:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handle returns a snapshot of the current subprocess handle.
func (pm *ProcessManager) Handle() Handle {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	h := Handle{State: pm.state, StartedAt: pm.startedAt}
	if pm.cmd != nil && pm.cmd.Process != nil {
		h.PID = pm.cmd.Process.Pid
	}
	return h
}

// Start launches the subprocess and runs the readiness handshake.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	if pm.unavailable {
		pm.mu.Unlock()
		return ErrProcessUnavailable
	}
	if pm.started {
		// Another caller owns the spawn; wait for its outcome.
		pm.mu.Unlock()
		return pm.EnsureReady(ctx)
	}
	pm.started = true
	pm.mu.Unlock()

	if err := pm.spawn(); err != nil {
		pm.markUnavailable(err)
		return err
	}
	if err := pm.awaitReady(ctx); err != nil {
		return err
	}
	return nil
}

// EnsureReady blocks until the subprocess is ready, the manager has given
// up, or the context is done.
func (pm *ProcessManager) EnsureReady(ctx context.Context) error {
	for {
		pm.mu.Lock()
		if pm.unavailable || pm.state == StateDegraded {
			pm.mu.Unlock()
			return ErrProcessUnavailable
		}
		if pm.state == StateReady {
			pm.mu.Unlock()
			return nil
		}
		needStart := !pm.started
		stateCh := pm.stateCh
		pm.mu.Unlock()

		if needStart {
			if err := pm.Start(ctx); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pm.ctx.Done():
			return ErrProcessUnavailable
		case <-stateCh:
		}
	}
}

// WriteFrame writes one newline-terminated frame to the subprocess stdin.
// Writes are allowed while starting so the readiness handshake can flow.
func (pm *ProcessManager) WriteFrame(data []byte) error {
	pm.mu.Lock()
	stdin := pm.stdin
	state := pm.state
	pm.mu.Unlock()

	if stdin == nil || (state != StateReady && state != StateStarting) {
		return fmt.Errorf("tool subprocess not running (state %s)", state)
	}

	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reset clears the unavailable flag and the restart history so the next
// EnsureReady relaunches the subprocess.
func (pm *ProcessManager) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.unavailable = false
	pm.started = false
	pm.restarts = nil
	if pm.state == StateDegraded {
		pm.state = StateDead
	}
	pm.notifyLocked()
}

// Stop terminates the subprocess. It sends a termination signal via
// closing stdin, waits a grace period, then force-kills. No subprocess
// survives Stop returning. Safe to call multiple times.
func (pm *ProcessManager) Stop() {
	pm.cancel()

	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	if pm.stdin != nil {
		_ = pm.stdin.Close()
		pm.stdin = nil
	}
	pm.state = StateDead
	pm.notifyLocked()
	pm.mu.Unlock()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			slog.Debug("tool subprocess exited gracefully")
		case <-time.After(stopGracePeriod):
			slog.Debug("force killing tool subprocess", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			<-waitDone
		}
	}

	pm.wg.Wait()
}

// spawn launches the subprocess and its reader, stderr, and monitor
// goroutines. It does not wait for readiness.
func (pm *ProcessManager) spawn() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	cmd := exec.Command(pm.cfg.Command, pm.cfg.Args...)
	cmd.Dir = pm.cfg.WorkingDir
	cmd.Env = append(os.Environ(), pm.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start %s: %w", pm.cfg.Command, err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.state = StateStarting
	pm.startedAt = time.Now()
	pm.waitDone = make(chan struct{})
	pm.notifyLocked()

	slog.Info("tool subprocess started",
		"command", pm.cfg.Command,
		"pid", cmd.Process.Pid,
		"working_dir", pm.cfg.WorkingDir,
	)

	waitDone := pm.waitDone
	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readFrames(stdout)
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr(stderr)
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit(cmd, waitDone)
	}()

	return nil
}

// awaitReady runs the readiness handshake with the startup timeout.
func (pm *ProcessManager) awaitReady(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, pm.cfg.StartupTimeout)
	defer cancel()

	if pm.callbacks.OnReady != nil {
		if err := pm.callbacks.OnReady(hctx); err != nil {
			pm.mu.Lock()
			pm.state = StateDegraded
			pm.notifyLocked()
			pm.mu.Unlock()
			if hctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w after %s", ErrStartupTimeout, pm.cfg.StartupTimeout)
			}
			return fmt.Errorf("readiness handshake: %w", err)
		}
	}

	pm.mu.Lock()
	pm.state = StateReady
	pm.notifyLocked()
	pm.mu.Unlock()

	slog.Info("tool subprocess ready")
	return nil
}

// readFrames reads stdout line by line and hands each frame to OnFrame.
// A frame that fails to parse is the client's problem: this loop never
// stops for a bad frame, only for EOF or shutdown.
func (pm *ProcessManager) readFrames(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if pm.callbacks.OnFrame != nil {
			// Scanner reuses its buffer; hand out a copy.
			frame := make([]byte, len(line))
			copy(frame, line)
			pm.callbacks.OnFrame(frame)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("tool subprocess stdout closed", "error", err)
	}
}

// drainStderr logs subprocess stderr lines as they arrive.
func (pm *ProcessManager) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.Debug("tool subprocess stderr", "line", scanner.Text())
	}
}

// monitorExit is the sole caller of cmd.Wait for this spawn. Stop
// coordinates through waitDone instead of calling Wait itself.
func (pm *ProcessManager) monitorExit(cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()
	close(waitDone)

	select {
	case <-pm.ctx.Done():
		// Stop() asked for this exit.
		return
	default:
	}

	slog.Warn("tool subprocess exited unexpectedly",
		"pid", cmd.Process.Pid,
		"exit_code", cmd.ProcessState.ExitCode(),
		"error", err,
	)

	pm.handleCrash(err)
}

// handleCrash transitions the handle to dead and relaunches if the
// sliding-window restart budget allows it.
func (pm *ProcessManager) handleCrash(exitErr error) {
	pm.mu.Lock()
	pm.state = StateDead
	if pm.stdin != nil {
		_ = pm.stdin.Close()
		pm.stdin = nil
	}
	pm.cmd = nil
	pm.notifyLocked()

	now := time.Now()
	cutoff := now.Add(-pm.cfg.RestartWindow)
	var recent []time.Time
	for _, t := range pm.restarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	pm.restarts = recent

	if len(pm.restarts) >= pm.cfg.MaxRestarts {
		pm.unavailable = true
		pm.notifyLocked()
		pm.mu.Unlock()

		slog.Error("tool subprocess restart budget exhausted",
			"max_restarts", pm.cfg.MaxRestarts,
			"window", pm.cfg.RestartWindow,
		)
		if pm.callbacks.OnDown != nil {
			pm.callbacks.OnDown(ErrProcessUnavailable)
		}
		return
	}

	pm.restarts = append(pm.restarts, now)
	attempt := len(pm.restarts)
	pm.mu.Unlock()

	slog.Warn("relaunching tool subprocess",
		"attempt", attempt,
		"max_restarts", pm.cfg.MaxRestarts,
		"delay", pm.cfg.RestartDelay,
	)

	select {
	case <-time.After(pm.cfg.RestartDelay):
	case <-pm.ctx.Done():
		return
	}

	if err := pm.spawn(); err != nil {
		pm.markUnavailable(fmt.Errorf("relaunch: %w", err))
		return
	}
	if err := pm.awaitReady(pm.ctx); err != nil {
		pm.markUnavailable(fmt.Errorf("relaunch handshake: %w", err))
		return
	}
}

func (pm *ProcessManager) markUnavailable(cause error) {
	pm.mu.Lock()
	pm.unavailable = true
	pm.notifyLocked()
	pm.mu.Unlock()

	slog.Error("tool subprocess marked unavailable", "error", cause)
	if pm.callbacks.OnDown != nil {
		pm.callbacks.OnDown(ErrProcessUnavailable)
	}
}

// notifyLocked wakes EnsureReady waiters. Must be called with mu held.
func (pm *ProcessManager) notifyLocked() {
	close(pm.stateCh)
	pm.stateCh = make(chan struct{})
}
