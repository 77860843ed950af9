package endpoint

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamestore/internal/catalog"
	"github.com/gamestore/internal/credential"
	"github.com/gamestore/internal/presence"
	"github.com/gamestore/internal/room"
	"github.com/gamestore/pkg/wire"
)

// stubCreds is an in-process credential store speaking the framed
// protocol, with in-memory accounts per kind.
type stubCreds struct {
	mu       sync.Mutex
	accounts map[string]string // "<kind>/<name>" -> password
}

func startStubCreds(t *testing.T) *credential.Client {
	t.Helper()
	s := &stubCreds{accounts: make(map[string]string)}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()

	return credential.NewClient("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
}

func (s *stubCreds) serve(conn net.Conn) {
	defer conn.Close()

	var req wire.Request
	if err := wire.ReadJSON(conn, &req); err != nil {
		return
	}
	var body struct {
		AccountType string `json:"account_type"`
		Username    string `json:"username"`
		Password    string `json:"password"`
	}
	json.Unmarshal(req.Data, &body)
	key := body.AccountType + "/" + body.Username

	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Action {
	case "register":
		if _, ok := s.accounts[key]; ok {
			wire.WriteJSON(conn, wire.Error("account already exists"))
			return
		}
		s.accounts[key] = body.Password
		wire.WriteJSON(conn, wire.OK(nil))
	case "login":
		pw, ok := s.accounts[key]
		if !ok {
			wire.WriteJSON(conn, wire.Error("account not found"))
			return
		}
		if pw != body.Password {
			wire.WriteJSON(conn, wire.Error("incorrect password"))
			return
		}
		wire.WriteJSON(conn, wire.OK(nil))
	}
}

type fakeSup struct {
	mu      sync.Mutex
	running map[string]bool
}

func (f *fakeSup) Spawn(roomID, command, workDir string, playerCount int) (room.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := roomID + "-proc"
	f.running[handle] = true
	return room.SpawnResult{PID: 777, Port: 20123, Handle: handle}, nil
}

func (f *fakeSup) Stop(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, handle)
}

func (f *fakeSup) Running(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[handle]
}

type catalogSource struct{ cat *catalog.Catalog }

func (s catalogSource) Lookup(name string) (room.GameSnapshot, error) {
	g, err := s.cat.Get(name)
	if err != nil {
		return room.GameSnapshot{}, err
	}
	return room.GameSnapshot{
		Name:       g.Name,
		Version:    g.Version,
		MaxPlayers: g.MaxPlayers,
		Active:     g.Active(),
		Config:     g.Config,
		WorkDir:    s.cat.BundleDir(g.Name, g.Version),
	}, nil
}

type harness struct {
	cat    *catalog.Catalog
	rooms  *room.Registry
	pres   *presence.Table
	dev    *DeveloperEndpoint
	player *PlayerEndpoint
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat, err := catalog.Open(catalog.NewStore(t.TempDir()), logger, nil)
	require.NoError(t, err)

	sup := &fakeSup{running: make(map[string]bool)}
	rooms := room.NewRegistry(catalogSource{cat: cat}, sup, logger, nil)
	pres := presence.NewTable(logger, nil)
	creds := startStubCreds(t)

	return &harness{
		cat:    cat,
		rooms:  rooms,
		pres:   pres,
		dev:    NewDeveloperEndpoint(creds, cat, rooms, logger, nil),
		player: NewPlayerEndpoint(creds, cat, rooms, pres, 10*time.Second, logger, nil),
	}
}

// respFrame keeps Data raw so tests can decode it per action.
type respFrame struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func (h *harness) dial(t *testing.T, handle func(net.Conn), clientType string) *testClient {
	t.Helper()
	client, server := net.Pipe()
	go handle(server)
	t.Cleanup(func() { client.Close() })

	c := &testClient{t: t, conn: client}
	require.NoError(t, wire.WriteJSON(client, &wire.Handshake{ClientType: clientType}))
	var reply wire.HandshakeReply
	require.NoError(t, wire.ReadJSON(client, &reply))
	require.Equal(t, wire.StatusSuccess, reply.Status)
	return c
}

func (c *testClient) request(action string, data any) *respFrame {
	c.t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(c.t, err)
		raw = b
	}
	require.NoError(c.t, wire.WriteJSON(c.conn, &wire.Request{Action: action, Data: raw}))

	var resp respFrame
	require.NoError(c.t, wire.ReadJSON(c.conn, &resp))
	return &resp
}

func (c *testClient) mustSucceed(action string, data any) json.RawMessage {
	c.t.Helper()
	resp := c.request(action, data)
	require.Equal(c.t, wire.StatusSuccess, resp.Status, "action %s failed: %s", action, resp.Message)
	return resp.Data
}

func (h *harness) loginPlayer(t *testing.T, name string) *testClient {
	t.Helper()
	c := h.dial(t, h.player.Handle, wire.ClientTypePlayer)
	c.mustSucceed(wire.ActionRegister, map[string]string{"username": name, "password": "pw"})
	c.mustSucceed(wire.ActionLogin, map[string]string{"username": name, "password": "pw"})
	return c
}

func (h *harness) loginDeveloper(t *testing.T, name string) *testClient {
	t.Helper()
	c := h.dial(t, h.dev.Handle, wire.ClientTypeDeveloper)
	c.mustSucceed(wire.ActionRegister, map[string]string{"username": name, "password": "pw"})
	c.mustSucceed(wire.ActionLogin, map[string]string{"username": name, "password": "pw"})
	return c
}

func uploadPayload(name string, bundle []byte) map[string]any {
	return map[string]any{
		"game_name":   name,
		"game_type":   "Multiplayer",
		"description": "a test game",
		"max_players": 4,
		"version":     "1.0.0",
		"game_file":   base64.StdEncoding.EncodeToString(bundle),
		"config": map[string]string{
			"start_command":  "py game.py {host} {port}",
			"server_command": "py server_game.py {port}",
		},
	}
}

func TestHandshakeMismatch(t *testing.T) {
	h := newHarness(t)

	client, server := net.Pipe()
	go h.player.Handle(server)
	defer client.Close()

	require.NoError(t, wire.WriteJSON(client, &wire.Handshake{ClientType: "developer"}))
	var reply wire.HandshakeReply
	require.NoError(t, wire.ReadJSON(client, &reply))
	assert.Equal(t, wire.StatusError, reply.Status)
	assert.NotEmpty(t, reply.Message)

	// Connection is closed after the error frame.
	_, err := wire.ReadFrame(client)
	assert.Error(t, err)
}

func TestHandshakeSuccessReportsServerType(t *testing.T) {
	h := newHarness(t)

	client, server := net.Pipe()
	go h.player.Handle(server)
	defer client.Close()

	require.NoError(t, wire.WriteJSON(client, &wire.Handshake{ClientType: wire.ClientTypePlayer}))
	var reply wire.HandshakeReply
	require.NoError(t, wire.ReadJSON(client, &reply))
	assert.Equal(t, wire.StatusSuccess, reply.Status)
	assert.Equal(t, wire.ServerTypeLobby, reply.ServerType)
}

func TestPublishBrowseDownload(t *testing.T) {
	h := newHarness(t)
	bundle := []byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0xff}

	dev := h.loginDeveloper(t, "alice")
	dev.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", bundle))

	player := h.loginPlayer(t, "bob")

	rawList := player.mustSucceed(wire.ActionListGames, nil)

	var listing struct {
		Games []gameView `json:"games"`
	}
	require.NoError(t, json.Unmarshal(rawList, &listing))
	require.Len(t, listing.Games, 1)
	assert.Equal(t, "tic", listing.Games[0].Name)
	assert.Equal(t, "alice", listing.Games[0].Developer)

	// The wire key for the game identifier is game_name; check the raw
	// JSON so a tag regression cannot hide behind the view struct.
	var rawListing map[string]any
	require.NoError(t, json.Unmarshal(rawList, &rawListing))
	rawGame := rawListing["games"].([]any)[0].(map[string]any)
	assert.Equal(t, "tic", rawGame["game_name"])
	assert.NotContains(t, rawGame, "name")

	var dl struct {
		GameName string               `json:"game_name"`
		Version  string               `json:"version"`
		GameFile string               `json:"game_file"`
		Config   catalog.LaunchConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal(
		player.mustSucceed(wire.ActionDownloadGame, map[string]string{"game_name": "tic"}), &dl))
	got, err := base64.StdEncoding.DecodeString(dl.GameFile)
	require.NoError(t, err)
	assert.Equal(t, bundle, got)
	assert.Equal(t, "1.0.0", dl.Version)
	assert.Contains(t, dl.Config.StartCommand, "{host}")
}

func TestGuestBrowsingAndLoginGate(t *testing.T) {
	h := newHarness(t)
	guest := h.dial(t, h.player.Handle, wire.ClientTypePlayer)

	resp := guest.request(wire.ActionListGames, nil)
	assert.Equal(t, wire.StatusSuccess, resp.Status)

	resp = guest.request(wire.ActionDownloadGame, map[string]string{"game_name": "tic"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, msgNotLoggedIn, resp.Message)

	resp = guest.request(wire.ActionCreateRoom, map[string]string{"game_name": "tic", "version": "1.0.0"})
	assert.Equal(t, wire.StatusError, resp.Status)
}

func TestWrongPortActions(t *testing.T) {
	h := newHarness(t)

	player := h.loginPlayer(t, "bob")
	resp := player.request(wire.ActionUploadGame, nil)
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, msgWrongPort, resp.Message)

	dev := h.loginDeveloper(t, "alice")
	resp = dev.request(wire.ActionCreateRoom, nil)
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, msgWrongPort, resp.Message)

	resp = dev.request("frobnicate", nil)
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "Unknown action")
}

func TestReviewFlow(t *testing.T) {
	h := newHarness(t)
	dev := h.loginDeveloper(t, "alice")
	dev.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", []byte("b")))

	player := h.loginPlayer(t, "bob")

	resp := player.request(wire.ActionSubmitReview,
		map[string]any{"game_name": "tic", "rating": 4, "comment": "fun"})
	assert.Equal(t, wire.StatusError, resp.Status)

	player.mustSucceed(wire.ActionDownloadGame, map[string]string{"game_name": "tic"})

	var agg struct {
		AverageRating float64 `json:"average_rating"`
		ReviewCount   int     `json:"review_count"`
	}
	require.NoError(t, json.Unmarshal(player.mustSucceed(wire.ActionSubmitReview,
		map[string]any{"game_name": "tic", "rating": 4, "comment": "fun"}), &agg))
	assert.Equal(t, 4.0, agg.AverageRating)
	assert.Equal(t, 1, agg.ReviewCount)

	// Resubmission replaces the first review.
	require.NoError(t, json.Unmarshal(player.mustSucceed(wire.ActionSubmitReview,
		map[string]any{"game_name": "tic", "rating": 2, "comment": "meh"}), &agg))
	assert.Equal(t, 2.0, agg.AverageRating)
	assert.Equal(t, 1, agg.ReviewCount)

	var reviews struct {
		Reviews []catalog.Review `json:"reviews"`
	}
	require.NoError(t, json.Unmarshal(
		player.mustSucceed(wire.ActionGetReviews, map[string]string{"game_name": "tic"}), &reviews))
	require.Len(t, reviews.Reviews, 1)
	assert.Equal(t, "meh", reviews.Reviews[0].Comment)
}

func TestRoomLifecycle(t *testing.T) {
	h := newHarness(t)
	dev := h.loginDeveloper(t, "alice")
	dev.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", []byte("b")))

	host := h.loginPlayer(t, "carol")
	guest := h.loginPlayer(t, "bob")

	var created struct {
		Room room.Summary `json:"room"`
	}
	require.NoError(t, json.Unmarshal(host.mustSucceed(wire.ActionCreateRoom,
		map[string]string{"game_name": "tic", "version": "1.0.0"}), &created))
	roomID := created.Room.ID

	resp := guest.request(wire.ActionJoinRoom, map[string]string{"room_id": roomID, "version": "0.9.0"})
	assert.Equal(t, wire.StatusError, resp.Status)

	guest.mustSucceed(wire.ActionJoinRoom, map[string]string{"room_id": roomID, "version": "1.0.0"})

	resp = guest.request(wire.ActionStartGame, map[string]string{"room_id": roomID})
	assert.Equal(t, wire.StatusError, resp.Status)

	var started struct {
		Room room.Status `json:"room"`
	}
	require.NoError(t, json.Unmarshal(
		host.mustSucceed(wire.ActionStartGame, map[string]string{"room_id": roomID}), &started))
	assert.Equal(t, room.StatePlaying, started.Room.State)
	assert.Equal(t, 20123, started.Room.ServerPort)
	require.NotNil(t, started.Room.Config)

	var status struct {
		Room room.Status `json:"room"`
	}
	require.NoError(t, json.Unmarshal(
		guest.mustSucceed(wire.ActionGetRoomStatus, map[string]string{"room_id": roomID}), &status))
	assert.Equal(t, room.StatePlaying, status.Room.State)

	// Host departure disbands; the other member sees NotFound next poll.
	host.mustSucceed(wire.ActionLeaveRoom, map[string]string{"room_id": roomID})
	resp = guest.request(wire.ActionGetRoomStatus, map[string]string{"room_id": roomID})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, "Room not found", resp.Message)
}

func TestUpdateGameCascadesRooms(t *testing.T) {
	h := newHarness(t)
	dev := h.loginDeveloper(t, "alice")
	dev.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", []byte("v1")))

	host := h.loginPlayer(t, "bob")
	var created struct {
		Room room.Summary `json:"room"`
	}
	require.NoError(t, json.Unmarshal(host.mustSucceed(wire.ActionCreateRoom,
		map[string]string{"game_name": "tic", "version": "1.0.0"}), &created))

	var updated struct {
		Version     string         `json:"version"`
		ClosedRooms []room.Summary `json:"closed_rooms"`
	}
	require.NoError(t, json.Unmarshal(dev.mustSucceed(wire.ActionUpdateGame, map[string]any{
		"game_name":    "tic",
		"version":      "1.0.1",
		"game_file":    base64.StdEncoding.EncodeToString([]byte("v2")),
		"update_notes": "rebalance",
	}), &updated))
	assert.Equal(t, "1.0.1", updated.Version)
	require.Len(t, updated.ClosedRooms, 1)
	assert.Equal(t, created.Room.ID, updated.ClosedRooms[0].ID)

	resp := host.request(wire.ActionJoinRoom,
		map[string]string{"room_id": created.Room.ID, "version": "1.0.1"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, "Room not found", resp.Message)
}

func TestRemoveGameCascadesRooms(t *testing.T) {
	h := newHarness(t)
	dev := h.loginDeveloper(t, "alice")
	dev.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", []byte("v1")))

	host := h.loginPlayer(t, "bob")
	host.mustSucceed(wire.ActionCreateRoom, map[string]string{"game_name": "tic", "version": "1.0.0"})

	var removed struct {
		ClosedRooms []room.Summary `json:"closed_rooms"`
	}
	require.NoError(t, json.Unmarshal(dev.mustSucceed(wire.ActionRemoveGame,
		map[string]string{"game_name": "tic"}), &removed))
	assert.Len(t, removed.ClosedRooms, 1)

	resp := host.request(wire.ActionCreateRoom, map[string]string{"game_name": "tic", "version": "1.0.0"})
	assert.Equal(t, wire.StatusError, resp.Status)
}

func TestListMyGamesAndOwnership(t *testing.T) {
	h := newHarness(t)
	alice := h.loginDeveloper(t, "alice")
	mallory := h.loginDeveloper(t, "mallory")

	alice.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", []byte("b")))

	var mine struct {
		Games []gameView `json:"games"`
	}
	require.NoError(t, json.Unmarshal(alice.mustSucceed(wire.ActionListMyGames, nil), &mine))
	require.Len(t, mine.Games, 1)
	assert.Equal(t, "tic", mine.Games[0].Name)

	require.NoError(t, json.Unmarshal(mallory.mustSucceed(wire.ActionListMyGames, nil), &mine))
	assert.Empty(t, mine.Games)

	resp := mallory.request(wire.ActionRemoveGame, map[string]string{"game_name": "tic"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "owner")
}

func TestSingleSessionEnforcement(t *testing.T) {
	h := newHarness(t)

	a := h.dial(t, h.player.Handle, wire.ClientTypePlayer)
	a.mustSucceed(wire.ActionRegister, map[string]string{"username": "bob", "password": "pw"})
	a.mustSucceed(wire.ActionLogin, map[string]string{"username": "bob", "password": "pw"})

	b := h.dial(t, h.player.Handle, wire.ClientTypePlayer)
	resp := b.request(wire.ActionLogin, map[string]string{"username": "bob", "password": "pw"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "already logged in")

	// Closing A tears the session down; B may then log in.
	a.conn.Close()
	require.Eventually(t, func() bool {
		return !h.pres.Online("bob")
	}, 5*time.Second, 10*time.Millisecond)

	b.mustSucceed(wire.ActionLogin, map[string]string{"username": "bob", "password": "pw"})
}

func TestDisconnectAutoLeavesRoom(t *testing.T) {
	h := newHarness(t)
	dev := h.loginDeveloper(t, "alice")
	dev.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", []byte("b")))

	host := h.loginPlayer(t, "bob")
	member := h.loginPlayer(t, "carol")

	var created struct {
		Room room.Summary `json:"room"`
	}
	require.NoError(t, json.Unmarshal(host.mustSucceed(wire.ActionCreateRoom,
		map[string]string{"game_name": "tic", "version": "1.0.0"}), &created))
	member.mustSucceed(wire.ActionJoinRoom,
		map[string]string{"room_id": created.Room.ID, "version": "1.0.0"})

	// Host drops the connection: room disbands, presence entry goes.
	host.conn.Close()
	require.Eventually(t, func() bool {
		return !h.pres.Online("bob")
	}, 5*time.Second, 10*time.Millisecond)

	resp := member.request(wire.ActionGetRoomStatus, map[string]string{"room_id": created.Room.ID})
	assert.Equal(t, wire.StatusError, resp.Status)
}

func TestListOnlinePlayers(t *testing.T) {
	h := newHarness(t)
	dev := h.loginDeveloper(t, "alice")
	dev.mustSucceed(wire.ActionUploadGame, uploadPayload("tic", []byte("b")))

	bob := h.loginPlayer(t, "bob")
	h.loginPlayer(t, "amy")

	bob.mustSucceed(wire.ActionCreateRoom, map[string]string{"game_name": "tic", "version": "1.0.0"})

	var online struct {
		Players []presence.Listing `json:"players"`
	}
	require.NoError(t, json.Unmarshal(bob.mustSucceed(wire.ActionListOnlinePlayers, nil), &online))
	require.Len(t, online.Players, 2)
	// bob is in a room, so he ranks above idle amy.
	assert.Equal(t, presence.Listing{Username: "bob", Status: "inRoom"}, online.Players[0])
	assert.Equal(t, presence.Listing{Username: "amy", Status: "idle"}, online.Players[1])
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, h.player.Handle, wire.ClientTypePlayer)

	resp := c.request(wire.ActionRegister, map[string]string{"username": "", "password": "pw"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, msgMissingCreds, resp.Message)

	c.mustSucceed(wire.ActionRegister, map[string]string{"username": "bob", "password": "pw"})
	resp = c.request(wire.ActionRegister, map[string]string{"username": "bob", "password": "pw"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "already exists")

	resp = c.request(wire.ActionLogin, map[string]string{"username": "bob", "password": "wrong"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, "Incorrect password", resp.Message)
}
