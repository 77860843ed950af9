// Package catalog is the authoritative store of game metadata, versioned
// bundle blobs, reviews and download history.
package catalog

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gamestore/pkg/metrics"
)

// Catalog serializes every mutation under one mutex. Bundle blob I/O is
// performed outside the mutex; the metadata document write is the commit.
type Catalog struct {
	mu      sync.Mutex
	store   *Store
	games   map[string]*Game
	reviews map[string][]Review
	players map[string]*PlayerRecord
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// Open loads the catalog from disk and reconciles review aggregates, so a
// crash between the reviews and metadata writes heals at startup.
func Open(store *Store, logger *slog.Logger, m *metrics.StoreMetrics) (*Catalog, error) {
	games, err := store.LoadGames()
	if err != nil {
		return nil, err
	}
	reviews, err := store.LoadReviews()
	if err != nil {
		return nil, err
	}
	players, err := store.LoadPlayers()
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		store:   store,
		games:   games,
		reviews: reviews,
		players: players,
		logger:  logger,
		metrics: m,
	}

	for name, g := range games {
		rating, count := aggregate(reviews[name])
		if g.AverageRating != rating || g.ReviewCount != count {
			logger.Warn("Reconciling review aggregates", "game", name,
				"stored_rating", g.AverageRating, "computed_rating", rating)
			g.AverageRating = rating
			g.ReviewCount = count
		}
		if !store.HasBundle(name, g.Version) {
			logger.Warn("Game has no bundle for its current version",
				"game", name, "version", g.Version)
		}
	}

	if m != nil {
		m.GamesActive.Set(float64(len(games)))
	}
	logger.Info("Catalog loaded", "games", len(games))
	return c, nil
}

// BundleDir exposes the working directory of a game version's files.
func (c *Catalog) BundleDir(name, version string) string {
	return c.store.BundleDir(name, version)
}

// ListActive returns snapshots of all active games sorted by name.
func (c *Catalog) ListActive() []Game {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Game, 0, len(c.games))
	for _, g := range c.games {
		if g.Active() {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a snapshot of one game.
func (c *Catalog) Get(name string) (Game, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.games[name]
	if !ok {
		return Game{}, ErrNotFound
	}
	return *g, nil
}

// GetInfo returns a game snapshot plus its most recent 10 reviews.
func (c *Catalog) GetInfo(name string) (Game, []Review, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.games[name]
	if !ok {
		return Game{}, nil, ErrNotFound
	}

	all := c.reviews[name]
	start := 0
	if len(all) > 10 {
		start = len(all) - 10
	}
	recent := make([]Review, len(all)-start)
	copy(recent, all[start:])
	return *g, recent, nil
}

// ListByDeveloper returns the active games owned by dev, sorted by name.
func (c *Catalog) ListByDeveloper(dev string) []Game {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Game
	for _, g := range c.games {
		if g.Developer == dev && g.Active() {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upload publishes a new game with its first bundle.
func (c *Catalog) Upload(dev, name string, kind Kind, description string, maxPlayers int, version string, bundle []byte, cfg LaunchConfig) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown game type %q", ErrConfigInvalid, kind)
	}
	if maxPlayers < 1 || maxPlayers > MaxPlayersLimit {
		return fmt.Errorf("%w: max_players must be 1-%d", ErrConfigInvalid, MaxPlayersLimit)
	}
	if err := ValidateVersion(version); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.games[name]; ok {
		c.mu.Unlock()
		return ErrExists
	}
	c.mu.Unlock()

	// Blob first, outside the lock; the metadata write is the commit.
	if err := c.store.WriteBundle(name, version, bundle); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.games[name]; ok {
		return ErrExists
	}

	now := time.Now().UTC()
	g := &Game{
		Name:        name,
		Developer:   dev,
		Kind:        kind,
		Description: description,
		MaxPlayers:  maxPlayers,
		Version:     version,
		Status:      StatusActive,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	staged := c.cloneGames()
	staged[name] = g
	if err := c.store.SaveGames(staged); err != nil {
		return err
	}
	c.games = staged

	if c.metrics != nil {
		c.metrics.GamesActive.Set(float64(len(c.games)))
		c.metrics.UploadsTotal.Inc()
	}
	c.logger.Info("Game uploaded", "game", name, "developer", dev, "version", version)
	return nil
}

// Update replaces a game's bundle and bumps its version. The caller must
// cascade-drop rooms for the returned game afterwards; the catalog lock
// is released before any room lock is taken.
func (c *Catalog) Update(dev, name, newVersion string, bundle []byte, notes string) (Game, error) {
	if err := ValidateVersion(newVersion); err != nil {
		return Game{}, err
	}

	c.mu.Lock()
	g, ok := c.games[name]
	switch {
	case !ok:
		c.mu.Unlock()
		return Game{}, ErrNotFound
	case g.Developer != dev:
		c.mu.Unlock()
		return Game{}, ErrNotOwner
	case !g.Active():
		c.mu.Unlock()
		return Game{}, ErrInactive
	}
	c.mu.Unlock()

	if err := c.store.WriteBundle(name, newVersion, bundle); err != nil {
		return Game{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok = c.games[name]
	if !ok {
		return Game{}, ErrNotFound
	}
	if g.Developer != dev {
		return Game{}, ErrNotOwner
	}

	updated := *g
	updated.Version = newVersion
	updated.UpdateNotes = notes
	updated.UpdatedAt = time.Now().UTC()

	staged := c.cloneGames()
	staged[name] = &updated
	if err := c.store.SaveGames(staged); err != nil {
		return Game{}, err
	}
	c.games = staged

	if c.metrics != nil {
		c.metrics.UploadsTotal.Inc()
	}
	c.logger.Info("Game updated", "game", name, "developer", dev, "version", newVersion)
	return updated, nil
}

// Remove deletes a game's metadata and every stored blob. The caller must
// cascade-drop rooms for the game afterwards.
func (c *Catalog) Remove(dev, name string) error {
	c.mu.Lock()
	g, ok := c.games[name]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if g.Developer != dev {
		c.mu.Unlock()
		return ErrNotOwner
	}

	staged := c.cloneGames()
	delete(staged, name)
	if err := c.store.SaveGames(staged); err != nil {
		c.mu.Unlock()
		return err
	}
	c.games = staged

	if c.metrics != nil {
		c.metrics.GamesActive.Set(float64(len(c.games)))
	}
	c.mu.Unlock()

	// Blob removal is best effort once the metadata commit succeeded.
	if err := c.store.RemoveGameFiles(name); err != nil {
		c.logger.Warn("Failed to remove game files", "game", name, "error", err)
	}
	c.logger.Info("Game removed", "game", name, "developer", dev)
	return nil
}

// PackageBundle hands a downloader the current bundle and config,
// incrementing the download counter and recording the download in the
// player's history.
func (c *Catalog) PackageBundle(player, name string) (Game, []byte, error) {
	c.mu.Lock()
	g, ok := c.games[name]
	if !ok {
		c.mu.Unlock()
		return Game{}, nil, ErrNotFound
	}
	if !g.Active() {
		c.mu.Unlock()
		return Game{}, nil, ErrInactive
	}
	version := g.Version
	c.mu.Unlock()

	data, err := c.store.ReadBundle(name, version)
	if err != nil {
		return Game{}, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok = c.games[name]
	if !ok {
		return Game{}, nil, ErrNotFound
	}

	// History first: it gates reviews and must not trail the counter.
	stagedPlayers := c.clonePlayers()
	rec := stagedPlayers[player]
	if rec == nil {
		rec = &PlayerRecord{}
	} else {
		clone := *rec
		clone.DownloadedGames = append([]string(nil), rec.DownloadedGames...)
		rec = &clone
	}
	if !rec.Downloaded(name) {
		rec.DownloadedGames = append(rec.DownloadedGames, name)
	}
	stagedPlayers[player] = rec
	if err := c.store.SavePlayers(stagedPlayers); err != nil {
		return Game{}, nil, err
	}

	updated := *g
	updated.DownloadCount++
	stagedGames := c.cloneGames()
	stagedGames[name] = &updated
	if err := c.store.SaveGames(stagedGames); err != nil {
		c.players = stagedPlayers
		return Game{}, nil, err
	}

	c.players = stagedPlayers
	c.games = stagedGames

	if c.metrics != nil {
		c.metrics.DownloadsTotal.WithLabelValues(name).Inc()
	}
	c.logger.Info("Bundle downloaded", "game", name, "version", version, "player", player)
	return updated, data, nil
}

// SubmitReview upserts the player's review and recomputes aggregates.
func (c *Catalog) SubmitReview(player, name string, rating int, comment string) (Game, error) {
	if rating < 1 || rating > 5 {
		return Game{}, ErrRatingOutOfRange
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.games[name]
	if !ok {
		return Game{}, ErrNotFound
	}
	if !g.Active() {
		return Game{}, ErrInactive
	}
	rec := c.players[player]
	if rec == nil || !rec.Downloaded(name) {
		return Game{}, ErrNotDownloaded
	}

	review := Review{
		Player:    player,
		Rating:    rating,
		Comment:   comment,
		Timestamp: time.Now().UTC(),
	}

	stagedReviews := c.cloneReviews()
	list := append([]Review(nil), stagedReviews[name]...)
	replaced := false
	for i := range list {
		if list[i].Player == player {
			list[i] = review
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, review)
	}
	stagedReviews[name] = list

	// Reviews are the truth; they are committed before the aggregates.
	if err := c.store.SaveReviews(stagedReviews); err != nil {
		return Game{}, err
	}
	c.reviews = stagedReviews

	updated := *g
	updated.AverageRating, updated.ReviewCount = aggregate(list)
	stagedGames := c.cloneGames()
	stagedGames[name] = &updated
	if err := c.store.SaveGames(stagedGames); err != nil {
		// Aggregates will be reconciled from reviews at next startup.
		return Game{}, err
	}
	c.games = stagedGames

	if c.metrics != nil {
		c.metrics.ReviewsTotal.Inc()
	}
	c.logger.Info("Review submitted", "game", name, "player", player, "rating", rating)
	return updated, nil
}

// Reviews returns the full review list and the game's aggregates.
func (c *Catalog) Reviews(name string) ([]Review, Game, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.games[name]
	if !ok {
		return nil, Game{}, ErrNotFound
	}
	list := append([]Review(nil), c.reviews[name]...)
	return list, *g, nil
}

func (c *Catalog) cloneGames() map[string]*Game {
	out := make(map[string]*Game, len(c.games))
	for k, v := range c.games {
		out[k] = v
	}
	return out
}

func (c *Catalog) cloneReviews() map[string][]Review {
	out := make(map[string][]Review, len(c.reviews))
	for k, v := range c.reviews {
		out[k] = v
	}
	return out
}

func (c *Catalog) clonePlayers() map[string]*PlayerRecord {
	out := make(map[string]*PlayerRecord, len(c.players))
	for k, v := range c.players {
		out[k] = v
	}
	return out
}

// aggregate computes (averageRating, reviewCount) for a review list. The
// average is rounded to two decimal places.
func aggregate(list []Review) (float64, int) {
	if len(list) == 0 {
		return 0, 0
	}
	sum := 0
	for _, r := range list {
		sum += r.Rating
	}
	avg := float64(sum) / float64(len(list))
	return math.Round(avg*100) / 100, len(list)
}
