package source

import (
	"strconv"
	"strings"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
)

const (
	unknownMap    = "Unknown"
	unknownBot    = "Unknown Bot"
	unknownPlayer = "Unknown Player"
	unknownKey    = "Unknown"
)

// BuildSnapshot converts one server-list entry, plus its breakdown when one
// was fetched, into an engine snapshot. A nil details or one missing either
// list yields a snapshot without per-player data.
func BuildSnapshot(code string, info ServerInfo, details *Details, at time.Time) models.Snapshot {
	snap := models.Snapshot{
		ServerCode:  code,
		ServerName:  sanitizeName(info.Name),
		MapName:     info.Map,
		PlayerCount: int(info.PlayerCount),
		MaxPlayers:  int(info.MaxPlayers),
		ObservedAt:  at,
	}
	if snap.ServerName == "" {
		snap.ServerName = code
	}
	if snap.MapName == "" {
		snap.MapName = unknownMap
	}
	if info.ExtraInfo != nil && strings.TrimSpace(*info.ExtraInfo) != "" {
		snap.WaveText = models.Some(*info.ExtraInfo)
	}

	if details == nil || details.TeamList == nil || details.PlayerList == nil {
		return snap
	}

	snap.TeamCounts = map[int]int{}
	snap.TeamScores = map[int]int{}
	snap.TeamNames = map[int]string{}
	snap.Players = make([]models.SnapshotPlayer, 0, len(details.PlayerList))

	for key, t := range details.TeamList {
		id, err := strconv.Atoi(key)
		if err != nil || t.Name == "" {
			continue
		}
		snap.TeamNames[id] = t.Name
	}

	for _, p := range details.PlayerList {
		player := convertPlayer(p)
		if team, ok := player.TeamID.Get(); ok {
			snap.TeamCounts[team]++
			snap.TeamScores[team] += player.Score
		}
		snap.Players = append(snap.Players, player)
	}
	return snap
}

// convertPlayer keys humans by SteamID and bots by name and team. Team 0 is
// treated as no team.
func convertPlayer(p PlayerEntry) models.SnapshotPlayer {
	var team models.Optional[int]
	if p.Details.Team != nil && *p.Details.Team != 0 {
		team = models.Some(int(*p.Details.Team))
	}
	score := 0
	if p.Details.Frags != nil {
		score = int(*p.Details.Frags)
	}

	if p.IsBot() {
		name := sanitizeName(p.Details.BotInfo.Name)
		if name == "" {
			name = unknownBot
		}
		return models.SnapshotPlayer{
			PlayerKey: models.BotPlayerKey(name, team),
			Name:      name,
			TeamID:    team,
			Score:     score,
			IsBot:     true,
		}
	}

	key := p.SteamID64
	if key == "" {
		key = unknownKey
	}
	name := sanitizeName(p.SteamPlayerDetails.Name)
	if name == "" {
		name = unknownPlayer
	}
	return models.SnapshotPlayer{PlayerKey: key, Name: name, TeamID: team, Score: score}
}
