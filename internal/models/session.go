package models

import "time"

// Server is a monitored game server, keyed by the feed's stable code.
type Server struct {
	ID       int64     `json:"id"`
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"last_seen"`
}

// Session is one continuous occupancy of a map by a server.
type Session struct {
	ID         int64  `json:"id"`
	ServerID   int64  `json:"server_id"`
	ServerName string `json:"server_name,omitempty"`
	MapName    string `json:"map_name"`

	StartedAt time.Time           `json:"started_at"`
	EndedAt   Optional[time.Time] `json:"ended_at"`
	WaveText  Optional[string]    `json:"wave_text"`
	Wave      Optional[int]       `json:"wave_number"`
	Result    Optional[string]    `json:"result"`
	FoldedAt  Optional[time.Time] `json:"-"`

	MaxPlayers  int `json:"max_players"`
	PeakPlayers int `json:"peak_player_count"`

	// Occupancy of the two tracked roles (survivor and opposing team).
	SurvivorCount int `json:"survivor_count"`
	OpposingCount int `json:"opposing_count"`

	Active bool `json:"is_active"`
}

// StatusRecord is the per-cycle status log row for a session.
type StatusRecord struct {
	ID          int64            `json:"id"`
	SessionID   int64            `json:"session_id"`
	Timestamp   time.Time        `json:"timestamp"`
	PlayerCount int              `json:"player_count"`
	WaveText    Optional[string] `json:"wave_text"`
	Wave        Optional[int]    `json:"wave_number"`
}

// TeamStatus is the per-cycle per-team occupancy row for a session.
type TeamStatus struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	TeamID      int       `json:"team_id"`
	TeamName    string    `json:"team_name"`
	PlayerCount int       `json:"player_count"`
	TotalScore  int       `json:"total_score"`
}

// Session close reasons recorded on wave-end snapshots.
const (
	ReasonWaveCompleted  = "Wave Completed"
	ReasonRoundRestarted = "Round Restarted"
	ReasonTimeout        = "Timeout"
	ReasonMapChanged     = "Map Changed"
	ReasonServerRestart  = "Server Restart"
	ReasonGameStart      = "Game Start"
	ReasonManualEnd      = "Manual End"
)

// Session results that do not depend on wave state.
const (
	ResultTimeout       = "Loss - Timeout"
	ResultServerRestart = "Incomplete - Server Restart"
)
