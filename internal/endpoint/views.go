package endpoint

import (
	"time"

	"github.com/gamestore/internal/catalog"
)

// gameView is the catalog entry shape shown in listings.
type gameView struct {
	Name          string       `json:"game_name"`
	Developer     string       `json:"developer"`
	GameType      catalog.Kind `json:"game_type"`
	Description   string       `json:"description"`
	MaxPlayers    int          `json:"max_players"`
	Version       string       `json:"version"`
	DownloadCount int          `json:"download_count"`
	AverageRating float64      `json:"average_rating"`
	ReviewCount   int          `json:"review_count"`
}

// gameInfoView adds the audit fields and recent reviews for get_game_info.
type gameInfoView struct {
	gameView
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	RecentReviews []catalog.Review `json:"recent_reviews"`
}

func viewOf(g catalog.Game) gameView {
	return gameView{
		Name:          g.Name,
		Developer:     g.Developer,
		GameType:      g.Kind,
		Description:   g.Description,
		MaxPlayers:    g.MaxPlayers,
		Version:       g.Version,
		DownloadCount: g.DownloadCount,
		AverageRating: g.AverageRating,
		ReviewCount:   g.ReviewCount,
	}
}

func viewsOf(games []catalog.Game) []gameView {
	out := make([]gameView, len(games))
	for i, g := range games {
		out[i] = viewOf(g)
	}
	return out
}
