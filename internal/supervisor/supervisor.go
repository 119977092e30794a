// Package supervisor owns the lifecycle of managed worker processes: spawn,
// output capture, graceful termination and bounded auto-restart.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"fleet-mcp/backend/internal/events"
	"fleet-mcp/backend/internal/logging"
	"fleet-mcp/backend/pkg/models"
)

var (
	// ErrDuplicateInstance is returned when adding an instance whose id is taken.
	ErrDuplicateInstance = errors.New("instance already exists")
	// ErrInstanceNotFound is returned for operations against an unknown id.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrAlreadyRunning is returned when starting an instance that is running
	// or has a start in flight.
	ErrAlreadyRunning = errors.New("instance already running")
)

const (
	defaultStopGrace    = 5 * time.Second
	defaultRestartDelay = 5 * time.Second
	defaultLogCapacity  = 1000
)

// Config holds construction options for the Supervisor.
type Config struct {
	Sink         events.Sink     // Optional, defaults to events.Discard
	Logger       *logging.Logger // Optional
	StopGrace    time.Duration   // Optional, defaults to 5s
	RestartDelay time.Duration   // Optional, defaults to 5s
	LogCapacity  int             // Optional, defaults to 1000
}

// Supervisor manages one OS child process per registered instance.
type Supervisor struct {
	mu        sync.RWMutex
	instances map[string]*instance

	sink         events.Sink
	logger       *logging.Logger
	stopGrace    time.Duration
	restartDelay time.Duration
	logCapacity  int
}

// instance is the supervisor-owned record for one managed process. All
// mutable fields are guarded by mu; at most one live OS process exists per
// instance at any time. opMu serializes whole start/stop operations against
// each other, so a stop never races a spawn in flight.
type instance struct {
	mu           sync.Mutex
	opMu         sync.Mutex
	cfg          models.ProcessConfig
	status       models.ProcessStatus
	pid          *int
	restartCount int
	lastError    *string
	logs         *logBuffer

	cmd           *exec.Cmd
	stopRequested bool
	restartTimer  *time.Timer
	exited        chan struct{} // closed once the current process has been reaped
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	stopGrace := cfg.StopGrace
	if stopGrace == 0 {
		stopGrace = defaultStopGrace
	}
	restartDelay := cfg.RestartDelay
	if restartDelay == 0 {
		restartDelay = defaultRestartDelay
	}
	logCapacity := cfg.LogCapacity
	if logCapacity == 0 {
		logCapacity = defaultLogCapacity
	}

	return &Supervisor{
		instances:    make(map[string]*instance),
		sink:         sink,
		logger:       logger.With("supervisor"),
		stopGrace:    stopGrace,
		restartDelay: restartDelay,
		logCapacity:  logCapacity,
	}
}

// Add registers a new instance in the stopped state.
func (s *Supervisor) Add(cfg models.ProcessConfig) error {
	if cfg.ID == "" || cfg.Command == "" {
		return fmt.Errorf("instance id and command are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[cfg.ID]; exists {
		return fmt.Errorf("instance %q: %w", cfg.ID, ErrDuplicateInstance)
	}
	s.instances[cfg.ID] = &instance{
		cfg:    cfg,
		status: models.ProcessStopped,
		logs:   newLogBuffer(s.logCapacity),
	}
	s.logger.Info("instance added: %s (%s)", cfg.ID, cfg.Command)
	return nil
}

// Remove stops the instance if needed, voids any pending restart and
// deregisters it.
func (s *Supervisor) Remove(id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	if err := s.stop(inst, false); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
	s.logger.Info("instance removed: %s", id)
	return nil
}

// Start spawns the instance's configured command. It fails with
// ErrAlreadyRunning if the instance is running or a start is in flight.
func (s *Supervisor) Start(id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	return s.start(inst)
}

// Stop terminates the instance's process: SIGTERM first, SIGKILL once the
// grace window expires. The instance always ends up stopped.
func (s *Supervisor) Stop(id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	return s.stop(inst, true)
}

// Restart stops the instance and starts it again.
func (s *Supervisor) Restart(id string) error {
	inst, err := s.instance(id)
	if err != nil {
		return err
	}
	if err := s.stop(inst, true); err != nil {
		return err
	}
	return s.start(inst)
}

// Status returns a snapshot of the instance.
func (s *Supervisor) Status(id string) (*models.ProcessSnapshot, error) {
	inst, err := s.instance(id)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	snap := &models.ProcessSnapshot{
		ProcessConfig: inst.cfg,
		Status:        inst.status,
		RestartCount:  inst.restartCount,
	}
	if inst.pid != nil {
		pid := *inst.pid
		snap.PID = &pid
	}
	if inst.lastError != nil {
		msg := *inst.lastError
		snap.LastError = &msg
	}
	return snap, nil
}

// Logs returns the buffered output lines of the instance, oldest first.
func (s *Supervisor) Logs(id string) ([]models.LogLine, error) {
	inst, err := s.instance(id)
	if err != nil {
		return nil, err
	}
	return inst.logs.Lines(), nil
}

// Instances returns snapshots of every registered instance.
func (s *Supervisor) Instances() []*models.ProcessSnapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	snaps := make([]*models.ProcessSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := s.Status(id); err == nil {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// Shutdown stops all running instances.
func (s *Supervisor) Shutdown() {
	for _, snap := range s.Instances() {
		if snap.Status == models.ProcessRunning {
			if err := s.Stop(snap.ID); err != nil {
				s.logger.Error("shutdown stop failed for %s: %v", snap.ID, err)
			}
		}
	}
}

func (s *Supervisor) instance(id string) (*instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", id, ErrInstanceNotFound)
	}
	return inst, nil
}

func (s *Supervisor) start(inst *instance) error {
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	inst.mu.Lock()
	if inst.status == models.ProcessRunning {
		inst.mu.Unlock()
		return fmt.Errorf("instance %q: %w", inst.cfg.ID, ErrAlreadyRunning)
	}
	if inst.restartTimer != nil {
		inst.restartTimer.Stop()
		inst.restartTimer = nil
	}
	inst.stopRequested = false
	cfg := inst.cfg
	inst.mu.Unlock()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnFailed(inst, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.spawnFailed(inst, err)
	}
	if err := cmd.Start(); err != nil {
		return s.spawnFailed(inst, err)
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})

	inst.mu.Lock()
	inst.cmd = cmd
	inst.pid = &pid
	inst.status = models.ProcessRunning
	inst.lastError = nil
	inst.exited = exited
	inst.mu.Unlock()

	s.logger.Info("instance started: %s pid=%d", cfg.ID, pid)
	s.sink.Publish(events.New(events.TypeStarted, cfg.ID, "info", map[string]interface{}{
		"pid": pid,
	}))

	go s.capture(inst, stdout, "info")
	go s.capture(inst, stderr, "error")
	go func() {
		waitErr := cmd.Wait()
		s.handleExit(inst, waitErr)
		close(exited)
	}()

	return nil
}

// spawnFailed records a spawn failure. Spawn failures are reported, never
// auto-retried, and never counted against the restart budget.
func (s *Supervisor) spawnFailed(inst *instance, err error) error {
	msg := err.Error()

	inst.mu.Lock()
	inst.status = models.ProcessError
	inst.lastError = &msg
	inst.cmd = nil
	inst.pid = nil
	inst.mu.Unlock()

	s.logger.Error("spawn failed for %s: %v", inst.cfg.ID, err)
	s.sink.Publish(events.New(events.TypeErrored, inst.cfg.ID, "error", map[string]interface{}{
		"error": msg,
	}))
	return fmt.Errorf("spawn instance %q: %w", inst.cfg.ID, err)
}

// capture forwards one output stream line by line into the log buffer and
// the event sink.
func (s *Supervisor) capture(inst *instance, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		inst.logs.Append(stream, line)
		s.sink.Publish(events.New(events.TypeLog, inst.cfg.ID, stream, map[string]interface{}{
			"line": line,
		}))
	}
}

// handleExit runs once the child has been reaped. Abnormal exits of a running
// instance may schedule a delayed restart; manual stops never do.
func (s *Supervisor) handleExit(inst *instance, waitErr error) {
	code := exitCode(waitErr)

	inst.mu.Lock()
	inst.cmd = nil
	inst.pid = nil

	if inst.stopRequested {
		// stop() owns the state transition and the stopped event.
		inst.mu.Unlock()
		return
	}

	if code == 0 {
		inst.status = models.ProcessStopped
		inst.mu.Unlock()
		s.logger.Info("instance exited cleanly: %s", inst.cfg.ID)
		s.sink.Publish(events.New(events.TypeStopped, inst.cfg.ID, "info", nil))
		return
	}

	msg := fmt.Sprintf("process exited with code %d", code)
	inst.status = models.ProcessError
	inst.lastError = &msg

	restarting := inst.cfg.AutoRestart && inst.restartCount < inst.cfg.MaxRestarts
	if restarting {
		inst.restartCount++
		inst.restartTimer = time.AfterFunc(s.restartDelay, func() {
			if err := s.start(inst); err != nil {
				s.logger.Error("scheduled restart of %s failed: %v", inst.cfg.ID, err)
			}
		})
	}
	count := inst.restartCount
	inst.mu.Unlock()

	s.logger.Error("instance %s exited with code %d (restarting=%v, restarts=%d)",
		inst.cfg.ID, code, restarting, count)
	s.sink.Publish(events.New(events.TypeErrored, inst.cfg.ID, "error", map[string]interface{}{
		"exit_code":     code,
		"restarting":    restarting,
		"restart_count": count,
	}))
}

func (s *Supervisor) stop(inst *instance, emit bool) error {
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	inst.mu.Lock()
	if inst.restartTimer != nil {
		inst.restartTimer.Stop()
		inst.restartTimer = nil
	}

	if inst.status != models.ProcessRunning || inst.cmd == nil {
		inst.status = models.ProcessStopped
		inst.pid = nil
		inst.mu.Unlock()
		if emit {
			s.sink.Publish(events.New(events.TypeStopped, inst.cfg.ID, "info", nil))
		}
		return nil
	}

	inst.stopRequested = true
	proc := inst.cmd.Process
	exited := inst.exited
	inst.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM failed for %s: %v", inst.cfg.ID, err)
	}

	select {
	case <-exited:
	case <-time.After(s.stopGrace):
		s.logger.Warn("instance %s did not exit within grace window, sending SIGKILL", inst.cfg.ID)
		if err := proc.Kill(); err != nil {
			s.logger.Error("SIGKILL failed for %s: %v", inst.cfg.ID, err)
		}
		<-exited
	}

	inst.mu.Lock()
	inst.status = models.ProcessStopped
	inst.pid = nil
	inst.stopRequested = false
	inst.mu.Unlock()

	s.logger.Info("instance stopped: %s", inst.cfg.ID)
	if emit {
		s.sink.Publish(events.New(events.TypeStopped, inst.cfg.ID, "info", nil))
	}
	return nil
}

// exitCode maps a Wait error to the child's exit code. Signal-terminated or
// otherwise unreadable exits report -1 and count as abnormal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
