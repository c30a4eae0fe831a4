package models

import (
	"fmt"
	"time"
)

// PlayerRecord is one player identity within one session.
type PlayerRecord struct {
	ID           int64         `json:"id"`
	SessionID    int64         `json:"session_id"`
	PlayerKey    string        `json:"player_id"`
	PlayerName   string        `json:"player_name"`
	TeamID       Optional[int] `json:"team_id"`
	CurrentScore int           `json:"current_score"`
	InitialScore int           `json:"initial_score"`
	HighestScore int           `json:"highest_score"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	IsBot        bool          `json:"is_bot"`
}

// BotPlayerKey synthesizes an identity for participants without a stable id.
func BotPlayerKey(name string, team Optional[int]) string {
	return fmt.Sprintf("bot_%s_%d", name, team.OrElse(0))
}

// ScoreHistory is an entry in a player's score log.
type ScoreHistory struct {
	PlayerRecordID int64     `json:"player_record_id"`
	Timestamp      time.Time `json:"timestamp"`
	Score          int       `json:"score"`
}

// TeamScoreStint tracks a player's score while on one team in one session.
type TeamScoreStint struct {
	ID             int64     `json:"id"`
	PlayerRecordID int64     `json:"player_record_id"`
	SessionID      int64     `json:"session_id"`
	TeamID         int       `json:"team_id"`
	InitialScore   int       `json:"initial_score"`
	FinalScore     int       `json:"final_score"`
	FirstSeen      time.Time `json:"first_seen"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Earned is the stint's score contribution. Decreases count as zero.
func (s TeamScoreStint) Earned() int {
	if d := s.FinalScore - s.InitialScore; d > 0 {
		return d
	}
	return 0
}

// ChangeKind classifies a team transition.
type ChangeKind string

const (
	ChangeDeath      ChangeKind = "death"
	ChangeRedemption ChangeKind = "redemption"
	ChangeNeutral    ChangeKind = "neutral"
)

// TeamChangeEvent is an append-only record of a player switching teams.
type TeamChangeEvent struct {
	ID             int64            `json:"id"`
	PlayerRecordID int64            `json:"player_record_id"`
	SessionID      int64            `json:"session_id"`
	OldTeam        int              `json:"old_team_id"`
	NewTeam        int              `json:"new_team_id"`
	Timestamp      time.Time        `json:"timestamp"`
	WaveText       Optional[string] `json:"wave_text"`
	Wave           Optional[int]    `json:"wave_number"`
	Kind           ChangeKind       `json:"kind"`
	ScoreAtChange  int              `json:"score_at_change"`
}

// TeamChangeDetail is a team change joined with player and server context.
type TeamChangeDetail struct {
	TeamChangeEvent
	PlayerKey  string `json:"player_id"`
	PlayerName string `json:"player_name"`
	IsBot      bool   `json:"is_bot"`
	ServerName string `json:"server_name"`
	MapName    string `json:"map_name"`
}
