// Package server bootstraps the store: it wires the catalog, room
// registry, supervisor, presence table and endpoints, owns the two
// client listeners, and publishes the dynamically assigned ports.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gamestore/internal/catalog"
	"github.com/gamestore/internal/credential"
	"github.com/gamestore/internal/endpoint"
	"github.com/gamestore/internal/presence"
	"github.com/gamestore/internal/room"
	"github.com/gamestore/internal/supervise"
	"github.com/gamestore/pkg/config"
	"github.com/gamestore/pkg/metrics"
	"github.com/gamestore/pkg/wire"
)

// Port discovery files written inside the data root so bundled clients
// can find the dynamically assigned listeners.
const (
	DevPortFile   = ".dev_port"
	LobbyPortFile = ".lobby_port"
)

// catalogSource adapts the catalog to the room registry's lookup
// interface. The catalog lock is taken and released inside Lookup,
// before any room lock, preserving the catalog-then-rooms lock order.
type catalogSource struct {
	cat *catalog.Catalog
}

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

// Server is the assembled store server.
type Server struct {
	cfg        *config.Config
	supervisor *supervise.Supervisor
	developer  *endpoint.DeveloperEndpoint
	player     *endpoint.PlayerEndpoint
	logger     *slog.Logger
	metrics    *metrics.StoreMetrics

	devPort   int
	lobbyPort int
	ready     chan struct{}
}

// New builds the full component graph. credPort is the credential store
// port from the command line; m may be nil.
func New(cfg *config.Config, credPort int, logger *slog.Logger, m *metrics.StoreMetrics) (*Server, error) {
	store := catalog.NewStore(cfg.Storage.DataRoot)
	cat, err := catalog.Open(store, logger.With("component", "catalog"), m)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	logDir := cfg.Supervisor.LogDirectory
	if logDir == "" {
		logDir = filepath.Join(cfg.Storage.DataRoot, "logs")
	}
	portMin, portMax := cfg.Supervisor.PortRange()
	sup := supervise.New(logDir, portMin, portMax, cfg.Supervisor.GraceWindowDuration(),
		logger.With("component", "supervisor"), m)

	rooms := room.NewRegistry(catalogSource{cat: cat}, sup,
		logger.With("component", "rooms"), m)
	sup.SetExitCallback(rooms.OnGameServerExit)

	pres := presence.NewTable(logger.With("component", "presence"), m)
	creds := credential.NewClient(cfg.Server.CredentialHost, credPort)

	dev := endpoint.NewDeveloperEndpoint(creds, cat, rooms,
		logger.With("component", "developer-endpoint"), m)
	player := endpoint.NewPlayerEndpoint(creds, cat, rooms, pres,
		cfg.Server.PlayerReadTimeoutDuration(),
		logger.With("component", "player-endpoint"), m)

	return &Server{
		cfg:        cfg,
		supervisor: sup,
		developer:  dev,
		player:     player,
		logger:     logger,
		metrics:    m,
		ready:      make(chan struct{}),
	}, nil
}

// Run listens on both role ports and serves until ctx is cancelled. Ports
// are OS-assigned, logged, and written to the discovery files.
func (s *Server) Run(ctx context.Context) error {
	devLn, err := s.listen()
	if err != nil {
		return fmt.Errorf("developer listener: %w", err)
	}
	defer devLn.Close()

	lobbyLn, err := s.listen()
	if err != nil {
		return fmt.Errorf("lobby listener: %w", err)
	}
	defer lobbyLn.Close()

	s.devPort = devLn.Addr().(*net.TCPAddr).Port
	s.lobbyPort = lobbyLn.Addr().(*net.TCPAddr).Port

	if err := s.writePortFile(DevPortFile, s.devPort); err != nil {
		return err
	}
	if err := s.writePortFile(LobbyPortFile, s.lobbyPort); err != nil {
		return err
	}

	s.logger.Info("Developer port listening", "port", s.devPort)
	s.logger.Info("Lobby port listening", "port", s.lobbyPort)
	fmt.Printf("Developer port: %d\n", s.devPort)
	fmt.Printf("Lobby port: %d\n", s.lobbyPort)
	close(s.ready)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(ctx, devLn, wire.ClientTypeDeveloper, s.developer.Handle)
	})
	g.Go(func() error {
		return s.acceptLoop(ctx, lobbyLn, wire.ClientTypePlayer, s.player.Handle)
	})

	err = g.Wait()
	s.supervisor.StopAll()
	return err
}

// Ready is closed once both listeners are bound; tests wait on it.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// DevPort returns the bound developer port; valid after Ready.
func (s *Server) DevPort() int { return s.devPort }

// LobbyPort returns the bound lobby port; valid after Ready.
func (s *Server) LobbyPort() int { return s.lobbyPort }

func (s *Server) listen() (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Server.Host, "0"))
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

// acceptLoop accepts with a short deadline so shutdown is observed
// within one poll interval.
func (s *Server) acceptLoop(ctx context.Context, ln *net.TCPListener, role string, handle func(net.Conn)) error {
	poll := s.cfg.Server.AcceptPollDuration()
	for {
		if ctx.Err() != nil {
			return nil
		}
		ln.SetDeadline(time.Now().Add(poll))

		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept %s: %w", role, err)
		}

		if s.metrics != nil {
			s.metrics.ConnectionsTotal.WithLabelValues(role).Inc()
			s.metrics.ConnectionsActive.WithLabelValues(role).Inc()
		}
		go func() {
			defer func() {
				if s.metrics != nil {
					s.metrics.ConnectionsActive.WithLabelValues(role).Dec()
				}
			}()
			handle(conn)
		}()
	}
}

func (s *Server) writePortFile(name string, port int) error {
	path := filepath.Join(s.cfg.Storage.DataRoot, name)
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
