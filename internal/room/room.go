package room

import (
	"errors"

	"github.com/gamestore/internal/catalog"
)

// State of a room's lifecycle.
type State string

const (
	StateWaiting State = "waiting"
	StatePlaying State = "playing"
)

var (
	ErrNotFound            = errors.New("room: room not found")
	ErrNotMember           = errors.New("room: player is not a member")
	ErrAlreadyMember       = errors.New("room: player already in the room")
	ErrFull                = errors.New("room: room is full")
	ErrWrongState          = errors.New("room: operation not allowed in current state")
	ErrVersionMismatch     = errors.New("room: game version mismatch, please re-download")
	ErrNotHost             = errors.New("room: only the host may do that")
	ErrInsufficientPlayers = errors.New("room: at least 2 players are required")
	ErrGameNotFound        = errors.New("room: game not available")
)

// GameServer identifies a room's supervised subprocess. A zero Port with
// an empty Handle marks a pure-client game that needs no server.
type GameServer struct {
	PID    int
	Port   int
	Handle string
}

// Room is one match room. All fields are guarded by the registry mutex.
type Room struct {
	ID         string
	GameName   string
	Version    string // game version snapshotted at creation
	Host       string
	Members    []string // insertion order; Members[0] is the host
	MaxPlayers int
	State      State
	Server     *GameServer // non-nil iff State == StatePlaying

	config  catalog.LaunchConfig
	workDir string
	// starting guards the unlocked spawn window during start_game.
	starting bool
}

func (r *Room) member(player string) bool {
	for _, m := range r.Members {
		if m == player {
			return true
		}
	}
	return false
}

func (r *Room) removeMember(player string) {
	for i, m := range r.Members {
		if m == player {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			return
		}
	}
}

// Summary is the room digest shown in room listings.
type Summary struct {
	ID          string `json:"room_id"`
	GameName    string `json:"game_name"`
	Version     string `json:"version"`
	Host        string `json:"host"`
	PlayerCount int    `json:"player_count"`
	MaxPlayers  int    `json:"max_players"`
	State       State  `json:"state"`
}

// Status is the full snapshot returned to room members. ServerPort and
// Config are present only while the room is playing.
type Status struct {
	ID         string                `json:"room_id"`
	GameName   string                `json:"game_name"`
	Version    string                `json:"version"`
	Host       string                `json:"host"`
	Members    []string              `json:"members"`
	MaxPlayers int                   `json:"max_players"`
	State      State                 `json:"state"`
	ServerPort int                   `json:"server_port,omitempty"`
	Config     *catalog.LaunchConfig `json:"config,omitempty"`
}

func (r *Room) summary() Summary {
	return Summary{
		ID:          r.ID,
		GameName:    r.GameName,
		Version:     r.Version,
		Host:        r.Host,
		PlayerCount: len(r.Members),
		MaxPlayers:  r.MaxPlayers,
		State:       r.State,
	}
}

func (r *Room) status() Status {
	st := Status{
		ID:         r.ID,
		GameName:   r.GameName,
		Version:    r.Version,
		Host:       r.Host,
		Members:    append([]string(nil), r.Members...),
		MaxPlayers: r.MaxPlayers,
		State:      r.State,
	}
	if r.State == StatePlaying && r.Server != nil {
		st.ServerPort = r.Server.Port
		cfg := r.config
		st.Config = &cfg
	}
	return st
}
