// Package presence tracks authenticated player sessions and enforces the
// one-session-per-player rule.
package presence

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gamestore/pkg/metrics"
)

// ErrAlreadyOnline reports a login for a player with a live session.
var ErrAlreadyOnline = errors.New("presence: player already logged in elsewhere")

// Derived activity statuses, ordered busiest first for listings.
const (
	StatusPlaying = "playing"
	StatusInRoom  = "inRoom"
	StatusIdle    = "idle"
)

var statusRank = map[string]int{
	StatusPlaying: 0,
	StatusInRoom:  1,
	StatusIdle:    2,
}

type entry struct {
	loginAt time.Time
}

// Table is the set of currently authenticated players.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// NewTable creates an empty presence table. m may be nil.
func NewTable(logger *slog.Logger, m *metrics.StoreMetrics) *Table {
	return &Table{
		entries: make(map[string]*entry),
		logger:  logger,
		metrics: m,
	}
}

// Login registers a player session; a second concurrent session fails.
func (t *Table) Login(player string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[player]; ok {
		return ErrAlreadyOnline
	}
	t.entries[player] = &entry{loginAt: time.Now()}

	if t.metrics != nil {
		t.metrics.PlayersOnline.Set(float64(len(t.entries)))
	}
	t.logger.Info("Player online", "player", player)
	return nil
}

// Logout removes a player's session; absent entries are ignored.
func (t *Table) Logout(player string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[player]; !ok {
		return
	}
	delete(t.entries, player)

	if t.metrics != nil {
		t.metrics.PlayersOnline.Set(float64(len(t.entries)))
	}
	t.logger.Info("Player offline", "player", player)
}

// Online reports whether the player has a live session.
func (t *Table) Online(player string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[player]
	return ok
}

// Players returns a snapshot of all online player names.
func (t *Table) Players() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.entries))
	for name := range t.entries {
		out = append(out, name)
	}
	return out
}

// Listing is one row of the online-players view.
type Listing struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// SortListings orders rows by (status rank, name), busiest first.
func SortListings(rows []Listing) {
	sort.Slice(rows, func(i, j int) bool {
		ri, rj := statusRank[rows[i].Status], statusRank[rows[j].Status]
		if ri != rj {
			return ri < rj
		}
		return rows[i].Username < rows[j].Username
	})
}
