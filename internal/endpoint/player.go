package endpoint

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gamestore/internal/catalog"
	"github.com/gamestore/internal/credential"
	"github.com/gamestore/internal/presence"
	"github.com/gamestore/internal/room"
	"github.com/gamestore/pkg/metrics"
	"github.com/gamestore/pkg/wire"
)

// PlayerEndpoint serves lobby connections: catalog browsing, downloads,
// reviews, room lifecycle and presence.
type PlayerEndpoint struct {
	creds       *credential.Client
	catalog     *catalog.Catalog
	rooms       *room.Registry
	presence    *presence.Table
	readTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.StoreMetrics
}

// NewPlayerEndpoint wires the lobby handler. m may be nil.
func NewPlayerEndpoint(creds *credential.Client, cat *catalog.Catalog, rooms *room.Registry, pres *presence.Table, readTimeout time.Duration, logger *slog.Logger, m *metrics.StoreMetrics) *PlayerEndpoint {
	return &PlayerEndpoint{
		creds:       creds,
		catalog:     cat,
		rooms:       rooms,
		presence:    pres,
		readTimeout: readTimeout,
		logger:      logger,
		metrics:     m,
	}
}

// playerSession carries the per-connection login state.
type playerSession struct {
	*session
	player string // empty until a successful login
}

// Handle runs the connection to completion, then tears the session down:
// the player auto-leaves any room (disbanding if host) and goes offline.
func (e *PlayerEndpoint) Handle(conn net.Conn) {
	defer conn.Close()

	logger := e.logger.With("remote_addr", conn.RemoteAddr().String())
	s := &playerSession{session: &session{conn: conn, readTimeout: e.readTimeout, logger: logger}}

	defer func() {
		if s.player == "" {
			return
		}
		e.rooms.LeavePlayer(s.player)
		e.presence.Logout(s.player)
	}()

	if err := s.handshake(wire.ClientTypePlayer, wire.ServerTypeLobby); err != nil {
		if e.metrics != nil {
			e.metrics.HandshakeFailures.WithLabelValues(wire.ClientTypePlayer).Inc()
		}
		logger.Warn("Player handshake failed", "error", err)
		return
	}
	logger.Info("Player connected")

	for {
		req, err := s.read()
		if err != nil {
			if !errors.Is(err, wire.ErrClosed) {
				logger.Warn("Player session ended", "error", err)
			}
			break
		}

		resp := e.route(s, req)
		if e.metrics != nil {
			e.metrics.RequestsTotal.WithLabelValues(wire.ClientTypePlayer, req.Action, resp.Status).Inc()
		}
		if err := s.respond(resp); err != nil {
			logger.Warn("Failed to write response", "error", err)
			break
		}
	}

	logger.Info("Player disconnected", "player", s.player)
}

func (e *PlayerEndpoint) route(s *playerSession, req *wire.Request) *wire.Response {
	switch req.Action {
	case wire.ActionRegister:
		return e.register(req)
	case wire.ActionLogin:
		return e.login(s, req)

	// Browsing is open to guests; the lobby client has a guest mode.
	case wire.ActionListGames:
		return e.listGames()
	case wire.ActionGetGameInfo:
		return e.getGameInfo(req)
	case wire.ActionGetReviews:
		return e.getReviews(req)

	case wire.ActionDownloadGame:
		return e.requireLogin(s, func() *wire.Response { return e.downloadGame(s, req) })
	case wire.ActionSubmitReview:
		return e.requireLogin(s, func() *wire.Response { return e.submitReview(s, req) })
	case wire.ActionCreateRoom:
		return e.requireLogin(s, func() *wire.Response { return e.createRoom(s, req) })
	case wire.ActionListRooms:
		return e.requireLogin(s, func() *wire.Response { return e.listRooms() })
	case wire.ActionJoinRoom:
		return e.requireLogin(s, func() *wire.Response { return e.joinRoom(s, req) })
	case wire.ActionLeaveRoom:
		return e.requireLogin(s, func() *wire.Response { return e.leaveRoom(s, req) })
	case wire.ActionGetRoomStatus:
		return e.requireLogin(s, func() *wire.Response { return e.getRoomStatus(s, req) })
	case wire.ActionStartGame:
		return e.requireLogin(s, func() *wire.Response { return e.startGame(s, req) })
	case wire.ActionResetRoom:
		return e.requireLogin(s, func() *wire.Response { return e.resetRoom(s, req) })
	case wire.ActionListOnlinePlayers:
		return e.requireLogin(s, func() *wire.Response { return e.listOnlinePlayers() })

	default:
		if developerActions[req.Action] {
			return wire.Error(msgWrongPort)
		}
		return unknownAction(req.Action)
	}
}

func (e *PlayerEndpoint) requireLogin(s *playerSession, fn func() *wire.Response) *wire.Response {
	if s.player == "" {
		return wire.Error(msgNotLoggedIn)
	}
	return fn()
}

func (e *PlayerEndpoint) register(req *wire.Request) *wire.Response {
	var body accountRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed register request")
	}
	if body.Username == "" || body.Password == "" {
		return wire.Error(msgMissingCreds)
	}

	if err := e.creds.CreatePrincipal(credential.KindPlayer, body.Username, body.Password); err != nil {
		return wire.Error(clientMessage(err))
	}
	return wire.OKMessage("Player account created", map[string]any{"username": body.Username})
}

func (e *PlayerEndpoint) login(s *playerSession, req *wire.Request) *wire.Response {
	var body accountRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed login request")
	}
	if body.Username == "" || body.Password == "" {
		return wire.Error(msgMissingCreds)
	}
	if s.player != "" {
		return wire.Error("Already logged in on this connection")
	}

	if err := e.creds.VerifyCredentials(credential.KindPlayer, body.Username, body.Password); err != nil {
		return wire.Error(clientMessage(err))
	}
	if err := e.presence.Login(body.Username); err != nil {
		return wire.Error(clientMessage(err))
	}

	s.player = body.Username
	s.logger.Info("Player logged in", "player", body.Username)
	return wire.OKMessage("Welcome to the lobby", map[string]any{"username": body.Username})
}

func (e *PlayerEndpoint) listGames() *wire.Response {
	games := e.catalog.ListActive()
	return wire.OK(map[string]any{"games": viewsOf(games)})
}

type gameNameRequest struct {
	GameName string `json:"game_name"`
}

func (e *PlayerEndpoint) getGameInfo(req *wire.Request) *wire.Response {
	var body gameNameRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed get_game_info request")
	}

	g, recent, err := e.catalog.GetInfo(body.GameName)
	if err != nil {
		return wire.Error(clientMessage(err))
	}

	info := gameInfoView{
		gameView:      viewOf(g),
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
		RecentReviews: recent,
	}
	return wire.OK(map[string]any{"game": info})
}

func (e *PlayerEndpoint) downloadGame(s *playerSession, req *wire.Request) *wire.Response {
	var body gameNameRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed download_game request")
	}

	g, bundle, err := e.catalog.PackageBundle(s.player, body.GameName)
	if err != nil {
		return wire.Error(clientMessage(err))
	}

	return wire.OK(map[string]any{
		"game_name": g.Name,
		"version":   g.Version,
		"game_file": base64.StdEncoding.EncodeToString(bundle),
		"config":    g.Config,
	})
}

type submitReviewRequest struct {
	GameName string `json:"game_name"`
	Rating   int    `json:"rating"`
	Comment  string `json:"comment"`
}

func (e *PlayerEndpoint) submitReview(s *playerSession, req *wire.Request) *wire.Response {
	var body submitReviewRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed submit_review request")
	}

	g, err := e.catalog.SubmitReview(s.player, body.GameName, body.Rating, body.Comment)
	if err != nil {
		return wire.Error(clientMessage(err))
	}

	return wire.OKMessage("Review submitted", map[string]any{
		"game_name":      g.Name,
		"average_rating": g.AverageRating,
		"review_count":   g.ReviewCount,
	})
}

func (e *PlayerEndpoint) getReviews(req *wire.Request) *wire.Response {
	var body gameNameRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed get_reviews request")
	}

	reviews, g, err := e.catalog.Reviews(body.GameName)
	if err != nil {
		return wire.Error(clientMessage(err))
	}

	return wire.OK(map[string]any{
		"game_name":      g.Name,
		"average_rating": g.AverageRating,
		"review_count":   g.ReviewCount,
		"reviews":        reviews,
	})
}

type createRoomRequest struct {
	GameName string `json:"game_name"`
	Version  string `json:"version"`
}

func (e *PlayerEndpoint) createRoom(s *playerSession, req *wire.Request) *wire.Response {
	var body createRoomRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed create_room request")
	}

	sum, err := e.rooms.Create(s.player, body.GameName, body.Version)
	if err != nil {
		return wire.Error(clientMessage(err))
	}
	return wire.OKMessage("Room created", map[string]any{"room": sum})
}

func (e *PlayerEndpoint) listRooms() *wire.Response {
	return wire.OK(map[string]any{"rooms": e.rooms.List()})
}

type roomIDRequest struct {
	RoomID  string `json:"room_id"`
	Version string `json:"version"`
}

func (e *PlayerEndpoint) joinRoom(s *playerSession, req *wire.Request) *wire.Response {
	var body roomIDRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed join_room request")
	}

	sum, err := e.rooms.Join(body.RoomID, s.player, body.Version)
	if err != nil {
		return wire.Error(clientMessage(err))
	}
	return wire.OKMessage("Joined room", map[string]any{"room": sum})
}

func (e *PlayerEndpoint) leaveRoom(s *playerSession, req *wire.Request) *wire.Response {
	var body roomIDRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed leave_room request")
	}

	disbanded, err := e.rooms.Leave(body.RoomID, s.player)
	if err != nil {
		return wire.Error(clientMessage(err))
	}

	msg := "Left room"
	if disbanded {
		msg = "Room disbanded"
	}
	return wire.OKMessage(msg, map[string]any{"disbanded": disbanded})
}

func (e *PlayerEndpoint) getRoomStatus(s *playerSession, req *wire.Request) *wire.Response {
	var body roomIDRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed get_room_status request")
	}

	st, err := e.rooms.Get(body.RoomID, s.player)
	if err != nil {
		return wire.Error(clientMessage(err))
	}
	return wire.OK(map[string]any{"room": st})
}

func (e *PlayerEndpoint) startGame(s *playerSession, req *wire.Request) *wire.Response {
	var body roomIDRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed start_game request")
	}

	st, err := e.rooms.StartGame(body.RoomID, s.player)
	if err != nil {
		return wire.Error(clientMessage(err))
	}
	return wire.OKMessage("Game started", map[string]any{"room": st})
}

func (e *PlayerEndpoint) resetRoom(s *playerSession, req *wire.Request) *wire.Response {
	var body roomIDRequest
	if err := decode(req.Data, &body); err != nil {
		return wire.Error("Malformed reset_room request")
	}

	st, err := e.rooms.Reset(body.RoomID, s.player)
	if err != nil {
		return wire.Error(clientMessage(err))
	}
	return wire.OKMessage("Room reset", map[string]any{"room": st})
}

// listOnlinePlayers snapshots presence first and derives each player's
// activity from room membership afterwards, so the presence lock is
// never held while the room lock is taken.
func (e *PlayerEndpoint) listOnlinePlayers() *wire.Response {
	names := e.presence.Players()

	rows := make([]presence.Listing, 0, len(names))
	for _, name := range names {
		rows = append(rows, presence.Listing{
			Username: name,
			Status:   e.rooms.PlayerStatus(name),
		})
	}
	presence.SortListings(rows)

	return wire.OK(map[string]any{"players": rows})
}
