// Package supervise launches and reaps per-room game-server subprocesses
// on behalf of the room registry.
package supervise

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gamestore/internal/room"
	"github.com/gamestore/pkg/metrics"
)

// ErrSpawnFailed reports a child that could not start or died inside the
// grace window.
var ErrSpawnFailed = errors.New("supervise: game server failed to start")

// process is one live child. The handle owns the log file and the wait
// goroutine; reaping releases both.
type process struct {
	handle  string
	roomID  string
	port    int
	cmd     *exec.Cmd
	logFile *os.File
}

// Supervisor tracks all live game-server subprocesses. Each child runs in
// its own process group with stdout and stderr redirected to a log file
// keyed by its port.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*process

	logDir   string
	portMin  int
	portMax  int
	grace    time.Duration
	onExit   func(roomID string, exitCode int)
	logger   *slog.Logger
	metrics  *metrics.StoreMetrics
	portRand *rand.Rand
	randMu   sync.Mutex
}

// New creates a supervisor. onExit is invoked from the wait goroutine
// whenever a child exits, for any reason.
func New(logDir string, portMin, portMax int, grace time.Duration, logger *slog.Logger, m *metrics.StoreMetrics) *Supervisor {
	return &Supervisor{
		procs:    make(map[string]*process),
		logDir:   logDir,
		portMin:  portMin,
		portMax:  portMax,
		grace:    grace,
		logger:   logger,
		metrics:  m,
		portRand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetExitCallback wires the registry's reconcile hook. Must be called
// before the first Spawn.
func (s *Supervisor) SetExitCallback(onExit func(roomID string, exitCode int)) {
	s.onExit = onExit
}

// Spawn starts the game server for a room. The literal {port} in command
// is replaced with the chosen port (appended when absent), and
// " --players N" is appended with the member count at spawn time.
func (s *Supervisor) Spawn(roomID, command, workDir string, playerCount int) (room.SpawnResult, error) {
	port := s.pickPort()
	cmdline := buildCommandLine(command, port, playerCount)

	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return room.SpawnResult{}, fmt.Errorf("supervise: create log dir: %w", err)
	}
	logPath := filepath.Join(s.logDir, fmt.Sprintf("game_server_%d.log", port))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return room.SpawnResult{}, fmt.Errorf("supervise: open log file: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Dir = workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// A dedicated process group lets Stop signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	s.logger.Info("Spawning game server", "room", roomID, "port", port, "command", cmdline)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.countSpawn("error")
		return room.SpawnResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	// Watch the child through the grace window; an immediate exit means
	// the command is broken, not that a match ended.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case waitErr := <-waitCh:
		logFile.Close()
		s.countSpawn("early_exit")
		s.logger.Warn("Game server exited inside grace window",
			"room", roomID, "port", port, "error", waitErr)
		return room.SpawnResult{}, fmt.Errorf("%w: exited immediately, see %s", ErrSpawnFailed, logPath)
	case <-time.After(s.grace):
	}

	p := &process{
		handle:  uuid.NewString(),
		roomID:  roomID,
		port:    port,
		cmd:     cmd,
		logFile: logFile,
	}

	s.mu.Lock()
	s.procs[p.handle] = p
	if s.metrics != nil {
		s.metrics.GameServersActive.Set(float64(len(s.procs)))
	}
	s.mu.Unlock()

	go s.supervise(p, waitCh)

	s.countSpawn("ok")
	s.logger.Info("Game server running", "room", roomID, "pid", cmd.Process.Pid, "port", port)
	return room.SpawnResult{PID: cmd.Process.Pid, Port: port, Handle: p.handle}, nil
}

// supervise blocks until the child exits, then releases the handle and
// reports the exit to the registry.
func (s *Supervisor) supervise(p *process, waitCh <-chan error) {
	waitErr := <-waitCh

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	p.logFile.Close()

	s.mu.Lock()
	delete(s.procs, p.handle)
	if s.metrics != nil {
		s.metrics.GameServersActive.Set(float64(len(s.procs)))
	}
	s.mu.Unlock()

	s.logger.Info("Game server exited", "room", p.roomID, "port", p.port, "exit_code", exitCode)
	if s.onExit != nil {
		s.onExit(p.roomID, exitCode)
	}
}

// Stop signals the child's process group with SIGTERM and returns without
// waiting; the wait goroutine observes the exit.
func (s *Supervisor) Stop(handle string) {
	s.mu.Lock()
	p, ok := s.procs[handle]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("Stopping game server", "room", p.roomID, "pid", p.cmd.Process.Pid)
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to signal game server group", "pid", p.cmd.Process.Pid, "error", err)
	}
}

// Running reports whether the handle still maps to a live child.
func (s *Supervisor) Running(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[handle]
	return ok
}

// StopAll terminates every live child; used at server shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make([]string, 0, len(s.procs))
	for h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.Stop(h)
	}
}

// pickPort draws a port from the configured range, probing for a free one
// a bounded number of times. A busy pick after the retries is accepted;
// the child's bind failure is observed through the grace window.
func (s *Supervisor) pickPort() int {
	span := s.portMax - s.portMin + 1
	port := s.portMin
	for attempt := 0; attempt < 10; attempt++ {
		s.randMu.Lock()
		port = s.portMin + s.portRand.Intn(span)
		s.randMu.Unlock()

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return port
}

func (s *Supervisor) countSpawn(outcome string) {
	if s.metrics != nil {
		s.metrics.SpawnsTotal.WithLabelValues(outcome).Inc()
	}
}

// buildCommandLine applies the port substitution and appends the player
// count the game servers expect.
func buildCommandLine(command string, port, playerCount int) string {
	portStr := fmt.Sprintf("%d", port)
	if strings.Contains(command, "{port}") {
		command = strings.ReplaceAll(command, "{port}", portStr)
	} else {
		command = command + " " + portStr
	}
	return fmt.Sprintf("%s --players %d", command, playerCount)
}
