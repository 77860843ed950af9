package supervise

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSupervisor(t *testing.T, grace time.Duration) (*Supervisor, *exitRecorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(t.TempDir(), 20000, 30000, grace, logger, nil)
	rec := &exitRecorder{exits: make(chan exit, 4)}
	s.SetExitCallback(rec.record)
	t.Cleanup(s.StopAll)
	return s, rec
}

type exit struct {
	roomID string
	code   int
}

type exitRecorder struct {
	exits chan exit
}

func (r *exitRecorder) record(roomID string, code int) {
	r.exits <- exit{roomID: roomID, code: code}
}

func (r *exitRecorder) wait(t *testing.T) exit {
	t.Helper()
	select {
	case e := <-r.exits:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit callback")
		return exit{}
	}
}

func TestSpawnAndExit(t *testing.T) {
	s, rec := testSupervisor(t, 200*time.Millisecond)

	res, err := s.Spawn("ROOM_0001", "echo started; sleep 1", t.TempDir(), 2)
	require.NoError(t, err)
	assert.NotZero(t, res.PID)
	assert.GreaterOrEqual(t, res.Port, 20000)
	assert.LessOrEqual(t, res.Port, 30000)
	assert.NotEmpty(t, res.Handle)
	assert.True(t, s.Running(res.Handle))

	e := rec.wait(t)
	assert.Equal(t, "ROOM_0001", e.roomID)
	assert.Equal(t, 0, e.code)
	assert.False(t, s.Running(res.Handle))
}

func TestSpawnFailedImmediateExit(t *testing.T) {
	s, _ := testSupervisor(t, 300*time.Millisecond)

	_, err := s.Spawn("ROOM_0001", "exit 3", t.TempDir(), 2)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSpawnWritesLogFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logDir := t.TempDir()
	s := New(logDir, 20000, 30000, 200*time.Millisecond, logger, nil)
	rec := &exitRecorder{exits: make(chan exit, 1)}
	s.SetExitCallback(rec.record)

	res, err := s.Spawn("ROOM_0001", "echo hello-from-game; sleep 0.5", t.TempDir(), 3)
	require.NoError(t, err)
	rec.wait(t)

	data, err := os.ReadFile(filepath.Join(logDir, fmt.Sprintf("game_server_%d.log", res.Port)))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello-from-game")
}

func TestStopTerminatesProcess(t *testing.T) {
	s, rec := testSupervisor(t, 200*time.Millisecond)

	res, err := s.Spawn("ROOM_0001", "sleep 30", t.TempDir(), 2)
	require.NoError(t, err)

	s.Stop(res.Handle)
	e := rec.wait(t)
	assert.Equal(t, "ROOM_0001", e.roomID)
	assert.NotEqual(t, 0, e.code)
	assert.False(t, s.Running(res.Handle))
}

func TestStopUnknownHandle(t *testing.T) {
	s, _ := testSupervisor(t, 100*time.Millisecond)
	s.Stop("no-such-handle")
}

func TestBuildCommandLine(t *testing.T) {
	tests := []struct {
		command string
		port    int
		players int
		want    string
	}{
		{"py server.py {port}", 20500, 2, "py server.py 20500 --players 2"},
		{"py server.py", 20500, 3, "py server.py 20500 --players 3"},
		{"srv --listen {port} --mode x", 25000, 4, "srv --listen 25000 --mode x --players 4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, buildCommandLine(tt.command, tt.port, tt.players))
	}
}

func TestCommandRunsInWorkDir(t *testing.T) {
	s, rec := testSupervisor(t, 200*time.Millisecond)

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "marker.txt"), []byte("x"), 0o644))

	res, err := s.Spawn("ROOM_0002", "test -f marker.txt && sleep 0.5", workDir, 2)
	require.NoError(t, err)
	assert.True(t, s.Running(res.Handle))
	e := rec.wait(t)
	assert.Equal(t, 0, e.code)
}
