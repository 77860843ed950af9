// Package room keeps the in-memory registry of match rooms and their
// state machine: waiting rooms collect members, playing rooms own one
// supervised game-server subprocess, and catalog changes cascade into
// room destruction.
package room

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gamestore/internal/catalog"
	"github.com/gamestore/pkg/metrics"
)

// GameSnapshot is the slice of catalog state a room operation needs. It
// is fetched before the registry lock is taken, keeping the catalog lock
// strictly earlier in the lock order.
type GameSnapshot struct {
	Name       string
	Version    string
	MaxPlayers int
	Active     bool
	Config     catalog.LaunchConfig
	// WorkDir is where the game's server process runs (the bundle dir of
	// the current version).
	WorkDir string
}

// GameSource resolves a game name to its current snapshot.
type GameSource interface {
	Lookup(name string) (GameSnapshot, error)
}

// SpawnResult describes a launched game-server process.
type SpawnResult struct {
	PID    int
	Port   int
	Handle string
}

// ProcessSupervisor launches and stops game-server subprocesses. Stop is
// fire-and-forget; the supervisor reports exits through OnGameServerExit.
type ProcessSupervisor interface {
	Spawn(roomID, command, workDir string, playerCount int) (SpawnResult, error)
	Stop(handle string)
	Running(handle string) bool
}

// Registry owns all rooms. Room ids are monotonic and never reused.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	nextID  int
	games   GameSource
	sup     ProcessSupervisor
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(games GameSource, sup ProcessSupervisor, logger *slog.Logger, m *metrics.StoreMetrics) *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		games:   games,
		sup:     sup,
		logger:  logger,
		metrics: m,
	}
}

// Create opens a waiting room for gameName hosted by host. The client's
// downloaded version must match the catalog's current version.
func (r *Registry) Create(host, gameName, clientVersion string) (Summary, error) {
	snap, err := r.games.Lookup(gameName)
	if err != nil || !snap.Active {
		return Summary{}, ErrGameNotFound
	}
	if clientVersion != snap.Version {
		return Summary{}, ErrVersionMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	room := &Room{
		ID:         fmt.Sprintf("ROOM_%04d", r.nextID),
		GameName:   snap.Name,
		Version:    snap.Version,
		Host:       host,
		Members:    []string{host},
		MaxPlayers: snap.MaxPlayers,
		State:      StateWaiting,
		config:     snap.Config,
		workDir:    snap.WorkDir,
	}
	r.rooms[room.ID] = room

	if r.metrics != nil {
		r.metrics.RoomsCreated.Inc()
		r.metrics.RoomsActive.Set(float64(len(r.rooms)))
	}
	r.logger.Info("Room created", "room", room.ID, "game", snap.Name, "host", host)
	return room.summary(), nil
}

// List returns summaries of every live room, ordered by id.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Join adds player to a waiting room. Under concurrent joins on the last
// free slot, whoever takes the mutex first wins; the loser sees ErrFull.
func (r *Registry) Join(roomID, player, clientVersion string) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return Summary{}, ErrNotFound
	}
	if room.State != StateWaiting || room.starting {
		return Summary{}, ErrWrongState
	}
	if clientVersion != room.Version {
		return Summary{}, ErrVersionMismatch
	}
	if room.member(player) {
		return Summary{}, ErrAlreadyMember
	}
	if len(room.Members) >= room.MaxPlayers {
		return Summary{}, ErrFull
	}

	room.Members = append(room.Members, player)
	r.logger.Info("Player joined room", "room", roomID, "player", player)
	return room.summary(), nil
}

// Leave removes player from a room. A departing host disbands the room;
// an emptied room is destroyed. Reports whether the room was destroyed.
func (r *Registry) Leave(roomID, player string) (bool, error) {
	r.mu.Lock()

	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	if !room.member(player) {
		r.mu.Unlock()
		return false, ErrNotMember
	}

	if player == room.Host {
		handle := r.dropLocked(room, "host_left")
		r.mu.Unlock()
		r.stopHandle(handle)
		return true, nil
	}

	room.removeMember(player)
	r.logger.Info("Player left room", "room", roomID, "player", player)
	if len(room.Members) == 0 {
		handle := r.dropLocked(room, "emptied")
		r.mu.Unlock()
		r.stopHandle(handle)
		return true, nil
	}
	r.mu.Unlock()
	return false, nil
}

// Get returns a member's view of the room, reconciling a playing room
// whose subprocess has already exited.
func (r *Registry) Get(roomID, player string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return Status{}, ErrNotFound
	}
	if !room.member(player) {
		return Status{}, ErrNotMember
	}

	if room.State == StatePlaying && room.Server != nil && room.Server.Handle != "" {
		if !r.sup.Running(room.Server.Handle) {
			r.logger.Info("Reconciling room: game server gone", "room", roomID)
			room.State = StateWaiting
			room.Server = nil
		}
	}
	return room.status(), nil
}

// StartGame transitions a waiting room to playing. Games without a
// server command go straight to playing; otherwise the supervisor spawns
// the game server while the registry lock is released.
func (r *Registry) StartGame(roomID, caller string) (Status, error) {
	r.mu.Lock()

	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return Status{}, ErrNotFound
	}
	if caller != room.Host {
		r.mu.Unlock()
		return Status{}, ErrNotHost
	}
	if room.State != StateWaiting || room.starting {
		r.mu.Unlock()
		return Status{}, ErrWrongState
	}
	if len(room.Members) < 2 {
		r.mu.Unlock()
		return Status{}, ErrInsufficientPlayers
	}

	if room.config.ServerCommand == "" {
		// Pure-client game: nothing to supervise.
		room.State = StatePlaying
		room.Server = &GameServer{}
		st := room.status()
		r.mu.Unlock()
		r.logger.Info("Room playing without game server", "room", roomID)
		return st, nil
	}

	room.starting = true
	command := room.config.ServerCommand
	workDir := room.workDir
	players := len(room.Members)
	r.mu.Unlock()

	res, spawnErr := r.sup.Spawn(roomID, command, workDir, players)

	r.mu.Lock()
	room, ok = r.rooms[roomID]
	if !ok {
		// Disbanded while spawning; reap the orphan.
		r.mu.Unlock()
		if spawnErr == nil {
			r.sup.Stop(res.Handle)
		}
		return Status{}, ErrNotFound
	}
	room.starting = false
	if spawnErr != nil {
		r.mu.Unlock()
		return Status{}, spawnErr
	}

	room.State = StatePlaying
	room.Server = &GameServer{PID: res.PID, Port: res.Port, Handle: res.Handle}
	st := room.status()
	r.mu.Unlock()

	r.logger.Info("Room playing", "room", roomID, "pid", res.PID, "port", res.Port)
	return st, nil
}

// Reset returns a playing room to waiting, stopping its game server.
func (r *Registry) Reset(roomID, caller string) (Status, error) {
	r.mu.Lock()

	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return Status{}, ErrNotFound
	}
	if caller != room.Host {
		r.mu.Unlock()
		return Status{}, ErrNotHost
	}

	var handle string
	if room.Server != nil {
		handle = room.Server.Handle
	}
	room.State = StateWaiting
	room.Server = nil
	st := room.status()
	r.mu.Unlock()

	r.stopHandle(handle)
	r.logger.Info("Room reset", "room", roomID)
	return st, nil
}

// OnGameServerExit is the supervisor's reconcile callback. A room that
// still exists returns to waiting; a destroyed room is a no-op.
func (r *Registry) OnGameServerExit(roomID string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok || room.State != StatePlaying {
		return
	}
	room.State = StateWaiting
	room.Server = nil
	r.logger.Info("Game server exited, room back to waiting",
		"room", roomID, "exit_code", exitCode)
}

// CascadeDropByGame destroys every room backed by gameName, stopping any
// supervised subprocesses. Returns the summaries of the destroyed rooms.
func (r *Registry) CascadeDropByGame(gameName string) []Summary {
	r.mu.Lock()

	var dropped []Summary
	var handles []string
	for _, room := range r.rooms {
		if room.GameName != gameName {
			continue
		}
		dropped = append(dropped, room.summary())
		handles = append(handles, r.dropLocked(room, "game_changed"))
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.stopHandle(h)
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].ID < dropped[j].ID })
	if len(dropped) > 0 {
		r.logger.Info("Cascade dropped rooms", "game", gameName, "count", len(dropped))
	}
	return dropped
}

// LeavePlayer removes player from any room they are in; used on session
// teardown. A hosting player disbands their room.
func (r *Registry) LeavePlayer(player string) {
	r.mu.Lock()

	var handles []string
	for _, room := range r.rooms {
		if !room.member(player) {
			continue
		}
		if player == room.Host {
			handles = append(handles, r.dropLocked(room, "host_left"))
			continue
		}
		room.removeMember(player)
		if len(room.Members) == 0 {
			handles = append(handles, r.dropLocked(room, "emptied"))
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.stopHandle(h)
	}
}

// PlayerStatus derives a player's presence status from room membership.
func (r *Registry) PlayerStatus(player string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := "idle"
	for _, room := range r.rooms {
		if !room.member(player) {
			continue
		}
		if room.State == StatePlaying {
			return "playing"
		}
		status = "inRoom"
	}
	return status
}

// dropLocked removes a room and returns any supervised handle to stop.
// Caller holds r.mu and must stop the handle after releasing it.
func (r *Registry) dropLocked(room *Room, reason string) string {
	delete(r.rooms, room.ID)

	if r.metrics != nil {
		r.metrics.RoomsActive.Set(float64(len(r.rooms)))
		r.metrics.RoomsDropped.WithLabelValues(reason).Inc()
	}
	r.logger.Info("Room destroyed", "room", room.ID, "reason", reason)

	if room.Server != nil {
		return room.Server.Handle
	}
	return ""
}

func (r *Registry) stopHandle(handle string) {
	if handle != "" {
		r.sup.Stop(handle)
	}
}
