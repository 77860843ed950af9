// Package endpoint implements the per-connection request loops for the
// two client roles. A connection is handled by exactly one goroutine that
// reads framed requests and writes framed responses in order.
package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gamestore/internal/catalog"
	"github.com/gamestore/internal/credential"
	"github.com/gamestore/internal/presence"
	"github.com/gamestore/internal/room"
	"github.com/gamestore/internal/supervise"
	"github.com/gamestore/pkg/wire"
)

// session wraps one client connection with its read discipline.
type session struct {
	conn        net.Conn
	readTimeout time.Duration // zero leaves the connection open-ended
	logger      *slog.Logger
}

// handshake reads the first frame and verifies the client's role. On a
// mismatch a structured error frame is written and the connection must
// be closed by the caller.
func (s *session) handshake(wantClient, serverType string) error {
	if s.readTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	var hs wire.Handshake
	if err := wire.ReadJSON(s.conn, &hs); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if hs.ClientType != wantClient {
		wire.WriteJSON(s.conn, &wire.HandshakeReply{
			Status: wire.StatusError,
			Message: fmt.Sprintf("this port serves %s clients; use the %s port for %q",
				wantClient, hs.ClientType, hs.ClientType),
		})
		return fmt.Errorf("handshake role mismatch: got %q, want %q", hs.ClientType, wantClient)
	}

	return wire.WriteJSON(s.conn, &wire.HandshakeReply{
		Status:     wire.StatusSuccess,
		ServerType: serverType,
	})
}

// read returns the next request. Any error is terminal for the session:
// peer close, deadline expiry, or a malformed frame.
func (s *session) read() (*wire.Request, error) {
	if s.readTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	var req wire.Request
	if err := wire.ReadJSON(s.conn, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// respond writes one response frame.
func (s *session) respond(resp *wire.Response) error {
	return wire.WriteJSON(s.conn, resp)
}

// decode unmarshals a request payload, tolerating an absent data object.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// clientMessage renders a domain error as the human-readable message
// carried in an error response.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return "Game not found"
	case errors.Is(err, catalog.ErrExists):
		return "A game with this name already exists"
	case errors.Is(err, catalog.ErrNotOwner):
		return "You are not the owner of this game"
	case errors.Is(err, catalog.ErrInactive):
		return "Game is not available"
	case errors.Is(err, catalog.ErrNotDownloaded):
		return "You must download this game before reviewing it"
	case errors.Is(err, catalog.ErrRatingOutOfRange):
		return "Rating must be an integer between 1 and 5"
	case errors.Is(err, catalog.ErrVersionInvalid):
		return "Version must be three dot-separated numbers, e.g. 1.0.0"
	case errors.Is(err, catalog.ErrConfigInvalid):
		return "Invalid game config: " + trimPkg(err.Error())
	case errors.Is(err, room.ErrNotFound):
		return "Room not found"
	case errors.Is(err, room.ErrNotMember):
		return "You are not in this room"
	case errors.Is(err, room.ErrAlreadyMember):
		return "You are already in this room"
	case errors.Is(err, room.ErrFull):
		return "Room is full"
	case errors.Is(err, room.ErrWrongState):
		return "Room is not in the right state for that"
	case errors.Is(err, room.ErrVersionMismatch):
		return "Your game version does not match the room; please re-download the game"
	case errors.Is(err, room.ErrNotHost):
		return "Only the room host may do that"
	case errors.Is(err, room.ErrInsufficientPlayers):
		return "At least 2 players are required to start"
	case errors.Is(err, room.ErrGameNotFound):
		return "Game not found"
	case errors.Is(err, credential.ErrExists):
		return "Account already exists"
	case errors.Is(err, credential.ErrNotFound):
		return "Account not found"
	case errors.Is(err, credential.ErrWrongPassword):
		return "Incorrect password"
	case errors.Is(err, presence.ErrAlreadyOnline):
		return "This account is already logged in from another connection"
	case errors.Is(err, supervise.ErrSpawnFailed):
		return "Failed to start the game server"
	default:
		return trimPkg(err.Error())
	}
}

// trimPkg drops a leading "pkg: " prefix from wrapped sentinel text.
func trimPkg(msg string) string {
	for _, prefix := range []string{"catalog: ", "room: ", "credential: ", "supervise: ", "presence: "} {
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return msg
}

const (
	msgNotLoggedIn  = "Please log in first"
	msgMissingCreds = "Username and password are required"
	msgWrongPort    = "Action not available on this port"
)

func unknownAction(action string) *wire.Response {
	return wire.Errorf("Unknown action: %s", action)
}

// developerActions and playerActions close the action enumerations so a
// request aimed at the wrong role gets a dedicated error.
var developerActions = map[string]bool{
	wire.ActionRegister:    true,
	wire.ActionLogin:       true,
	wire.ActionUploadGame:  true,
	wire.ActionUpdateGame:  true,
	wire.ActionRemoveGame:  true,
	wire.ActionListMyGames: true,
}

var playerActions = map[string]bool{
	wire.ActionRegister:          true,
	wire.ActionLogin:             true,
	wire.ActionListGames:         true,
	wire.ActionGetGameInfo:       true,
	wire.ActionDownloadGame:      true,
	wire.ActionSubmitReview:      true,
	wire.ActionGetReviews:        true,
	wire.ActionCreateRoom:        true,
	wire.ActionListRooms:         true,
	wire.ActionJoinRoom:          true,
	wire.ActionLeaveRoom:         true,
	wire.ActionGetRoomStatus:     true,
	wire.ActionStartGame:         true,
	wire.ActionResetRoom:         true,
	wire.ActionListOnlinePlayers: true,
}
