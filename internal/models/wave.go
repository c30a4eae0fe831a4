package models

import "time"

// WaveEndSnapshot is an immutable marker of a wave or session boundary.
type WaveEndSnapshot struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Wave      int       `json:"wave_number"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// PlayerWaveScore is one leaderboard row of a wave-end snapshot.
type PlayerWaveScore struct {
	ID             int64         `json:"-"`
	WaveEndID      int64         `json:"wave_end_id"`
	PlayerRecordID int64         `json:"player_record_id"`
	PlayerKey      string        `json:"player_id"`
	PlayerName     string        `json:"player_name"`
	TeamID         Optional[int] `json:"team_id"`
	Score          int           `json:"score"`
	IsBot          bool          `json:"is_bot"`
}

// WaveTeamStat aggregates one team's rows within a snapshot.
type WaveTeamStat struct {
	TeamID      Optional[int] `json:"team_id"`
	TeamName    string        `json:"team_name"`
	PlayerCount int           `json:"player_count"`
	TotalScore  int           `json:"total_score"`
}

// WaveSummary describes a wave-end snapshot for reporting.
type WaveSummary struct {
	Wave       int               `json:"wave_number"`
	Timestamp  time.Time         `json:"timestamp"`
	Reason     string            `json:"reason"`
	TeamStats  []WaveTeamStat    `json:"team_stats"`
	TopPlayers []PlayerWaveScore `json:"top_players,omitempty"`
}

// PlayerWaveHistoryEntry is one player's score at one wave-end snapshot.
type PlayerWaveHistoryEntry struct {
	Wave      int           `json:"wave_number"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason"`
	Score     int           `json:"score"`
	TeamID    Optional[int] `json:"team_id"`
}

// TeamComposition is the per-team breakdown of a session, either at a
// wave-end snapshot or from the latest team status rows.
type TeamComposition struct {
	Wave  Optional[int]  `json:"wave_number"`
	Teams []WaveTeamStat `json:"teams"`
}
