package models

import "time"

// PlayerAggregateStats are cross-session totals for one human player.
type PlayerAggregateStats struct {
	PlayerKey       string    `json:"player_id"`
	PlayerName      string    `json:"player_name"`
	TotalScore      int64     `json:"total_score"`
	PlaytimeSeconds int64     `json:"total_playtime_seconds"`
	SessionCount    int       `json:"session_count"`
	LastUpdated     time.Time `json:"last_updated"`
}

// PlayerTeamAggregateStats are per-team totals for one player.
type PlayerTeamAggregateStats struct {
	PlayerKey       string    `json:"player_id"`
	TeamID          int       `json:"team_id"`
	TeamName        string    `json:"team_name"`
	Score           int64     `json:"score"`
	PlaytimeSeconds int64     `json:"playtime_seconds"`
	LastUpdated     time.Time `json:"last_updated"`
}

// PlayerDeathAggregateStats counts deaths and the waves reached at each.
type PlayerDeathAggregateStats struct {
	PlayerKey     string    `json:"player_id"`
	PlayerName    string    `json:"player_name"`
	TotalDeaths   int       `json:"total_deaths"`
	WavesSurvived int64     `json:"waves_survived"`
	LastUpdated   time.Time `json:"last_updated"`
}

// PlayerRedeemAggregateStats counts redemptions.
type PlayerRedeemAggregateStats struct {
	PlayerKey    string    `json:"player_id"`
	PlayerName   string    `json:"player_name"`
	TotalRedeems int       `json:"total_redeems"`
	LastUpdated  time.Time `json:"last_updated"`
}

// PlayerProfile bundles every aggregate for one player.
type PlayerProfile struct {
	Stats   PlayerAggregateStats        `json:"stats"`
	Teams   []PlayerTeamAggregateStats  `json:"teams"`
	Deaths  *PlayerDeathAggregateStats  `json:"deaths,omitempty"`
	Redeems *PlayerRedeemAggregateStats `json:"redeems,omitempty"`
}

// PlayerSort selects the ordering of aggregate leaderboards.
type PlayerSort string

const (
	SortByScore    PlayerSort = "score"
	SortByPlaytime PlayerSort = "playtime"
	SortBySessions PlayerSort = "sessions"
)

// ParsePlayerSort maps a user-supplied sort key, defaulting to score.
func ParsePlayerSort(s string) PlayerSort {
	switch PlayerSort(s) {
	case SortByPlaytime, SortBySessions:
		return PlayerSort(s)
	default:
		return SortByScore
	}
}
