package models

import "time"

// Snapshot is one poll cycle's observed state for one server.
type Snapshot struct {
	ServerCode  string
	ServerName  string
	MapName     string
	WaveText    Optional[string]
	PlayerCount int
	MaxPlayers  int
	ObservedAt  time.Time

	// TeamCounts is nil when no detailed breakdown was available this cycle.
	TeamCounts map[int]int
	TeamScores map[int]int
	TeamNames  map[int]string

	// Players is nil when no detailed breakdown was available this cycle.
	Players []SnapshotPlayer
}

// HasDetails reports whether the per-player breakdown was fetched.
func (s *Snapshot) HasDetails() bool {
	return s.Players != nil
}

// SnapshotPlayer is one participant as reported by the feed.
type SnapshotPlayer struct {
	PlayerKey string
	Name      string
	TeamID    Optional[int]
	Score     int
	IsBot     bool
}
