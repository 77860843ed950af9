package endpoint

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net"

	"github.com/gamestore/internal/catalog"
	"github.com/gamestore/internal/credential"
	"github.com/gamestore/internal/room"
	"github.com/gamestore/pkg/metrics"
	"github.com/gamestore/pkg/wire"
)

// DeveloperEndpoint serves connections from developer clients: account
// management plus catalog publishing.
type DeveloperEndpoint struct {
	creds   *credential.Client
	catalog *catalog.Catalog
	rooms   *room.Registry
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// NewDeveloperEndpoint wires the developer handler. m may be nil.
func NewDeveloperEndpoint(creds *credential.Client, cat *catalog.Catalog, rooms *room.Registry, logger *slog.Logger, m *metrics.StoreMetrics) *DeveloperEndpoint {
	return &DeveloperEndpoint{
		creds:   creds,
		catalog: cat,
		rooms:   rooms,
		logger:  logger,
		metrics: m,
	}
}

// devSession carries the per-connection login state.
type devSession struct {
	*session
	developer string // empty until a successful login
}

// Handle runs the connection to completion. Developer connections carry
// no read deadline; publishers sit idle between uploads.
func (e *DeveloperEndpoint) Handle(conn net.Conn) {
	defer conn.Close()

	logger := e.logger.With("remote_addr", conn.RemoteAddr().String())
	s := &devSession{session: &session{conn: conn, logger: logger}}

	if err := s.handshake(wire.ClientTypeDeveloper, wire.ServerTypeDeveloper); err != nil {
		if e.metrics != nil {
			e.metrics.HandshakeFailures.WithLabelValues(wire.ClientTypeDeveloper).Inc()
		}
		logger.Warn("Developer handshake failed", "error", err)
		return
	}
	logger.Info("Developer connected")

	for {
		req, err := s.read()
		if err != nil {
			if !errors.Is(err, wire.ErrClosed) {
				logger.Warn("Developer session ended", "error", err)
			}
			break
		}

		resp := e.route(s, req)
		if e.metrics != nil {
			e.metrics.RequestsTotal.WithLabelValues(wire.ClientTypeDeveloper, req.Action, resp.Status).Inc()
		}
		if err := s.respond(resp); err != nil {
			logger.Warn("Failed to write response", "error", err)
			break
		}
	}

	logger.Info("Developer disconnected", "developer", s.developer)
}

func (e *DeveloperEndpoint) route(s *devSession, req *wire.Request) *wire.Response {
	switch req.Action {
	case wire.ActionRegister:
		return e.register(req)
	case wire.ActionLogin:
		return e.login(s, req)
	case wire.ActionUploadGame:
		return e.requireLogin(s, func() *wire.Response { return e.uploadGame(s, req) })
	case wire.ActionUpdateGame:
		return e.requireLogin(s, func() *wire.Response { return e.updateGame(s, req) })
	case wire.ActionRemoveGame:
		return e.requireLogin(s, func() *wire.Response { return e.removeGame(s, req) })
	case wire.ActionListMyGames:
		return e.requireLogin(s, func() *wire.Response { return e.listMyGames(s) })
	default:
		if playerActions[req.Action] {
			return wire.Error(msgWrongPort)
		}
		return unknownAction(req.Action)
	}
}

func (e *DeveloperEndpoint) requireLogin(s *devSession, fn func() *wire.Response) *wire.Response {
	if s.developer == "" {
		return wire.Error(msgNotLoggedIn)
	}
	return fn()
}

type accountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (e *DeveloperEndpoint) register(req *wire.Request) *wire.Response {
	var body accountRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed register request")
	}
	if body.Username == "" || body.Password == "" {
		return wire.Error(msgMissingCreds)
	}

	if err := e.creds.CreatePrincipal(credential.KindDeveloper, body.Username, body.Password); err != nil {
		return wire.Error(clientMessage(err))
	}
	return wire.OKMessage("Developer account created", map[string]any{"username": body.Username})
}

func (e *DeveloperEndpoint) login(s *devSession, req *wire.Request) *wire.Response {
	var body accountRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed login request")
	}
	if body.Username == "" || body.Password == "" {
		return wire.Error(msgMissingCreds)
	}

	if err := e.creds.VerifyCredentials(credential.KindDeveloper, body.Username, body.Password); err != nil {
		return wire.Error(clientMessage(err))
	}

	s.developer = body.Username
	s.logger.Info("Developer logged in", "developer", body.Username)
	return wire.OKMessage("Welcome back", map[string]any{"username": body.Username})
}

type uploadGameRequest struct {
	GameName    string               `json:"game_name"`
	GameType    catalog.Kind         `json:"game_type"`
	Description string               `json:"description"`
	MaxPlayers  int                  `json:"max_players"`
	Version     string               `json:"version"`
	GameFile    string               `json:"game_file"`
	Config      catalog.LaunchConfig `json:"config"`
}

func (e *DeveloperEndpoint) uploadGame(s *devSession, req *wire.Request) *wire.Response {
	var body uploadGameRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed upload_game request")
	}
	if body.GameName == "" {
		return wire.Error("game_name is required")
	}

	bundle, err := base64.StdEncoding.DecodeString(body.GameFile)
	if err != nil {
		return wire.Error("game_file is not valid base64")
	}

	err = e.catalog.Upload(s.developer, body.GameName, body.GameType, body.Description,
		body.MaxPlayers, body.Version, bundle, body.Config)
	if err != nil {
		return wire.Error(clientMessage(err))
	}

	return wire.OKMessage("Game uploaded", map[string]any{
		"game_name": body.GameName,
		"version":   body.Version,
	})
}

type updateGameRequest struct {
	GameName    string `json:"game_name"`
	Version     string `json:"version"`
	GameFile    string `json:"game_file"`
	UpdateNotes string `json:"update_notes"`
}

func (e *DeveloperEndpoint) updateGame(s *devSession, req *wire.Request) *wire.Response {
	var body updateGameRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed update_game request")
	}

	bundle, err := base64.StdEncoding.DecodeString(body.GameFile)
	if err != nil {
		return wire.Error("game_file is not valid base64")
	}

	updated, err := e.catalog.Update(s.developer, body.GameName, body.Version, bundle, body.UpdateNotes)
	if err != nil {
		return wire.Error(clientMessage(err))
	}

	// Rooms snapshot a game's version at creation, so every room backed
	// by the old version is now unservable and gets disbanded.
	closed := e.rooms.CascadeDropByGame(body.GameName)

	return wire.OKMessage("Game updated", map[string]any{
		"game_name":    updated.Name,
		"version":      updated.Version,
		"closed_rooms": closed,
	})
}

type removeGameRequest struct {
	GameName string `json:"game_name"`
}

func (e *DeveloperEndpoint) removeGame(s *devSession, req *wire.Request) *wire.Response {
	var body removeGameRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed remove_game request")
	}

	if err := e.catalog.Remove(s.developer, body.GameName); err != nil {
		return wire.Error(clientMessage(err))
	}
	closed := e.rooms.CascadeDropByGame(body.GameName)

	return wire.OKMessage("Game removed", map[string]any{
		"game_name":    body.GameName,
		"closed_rooms": closed,
	})
}

func (e *DeveloperEndpoint) listMyGames(s *devSession) *wire.Response {
	games := e.catalog.ListByDeveloper(s.developer)
	return wire.OK(map[string]any{"games": viewsOf(games)})
}
