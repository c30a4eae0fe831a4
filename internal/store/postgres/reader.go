package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

func (s *Store) ActiveSessions(ctx context.Context) ([]models.Session, error) {
	return querySessions(ctx, s.db, `
		SELECT `+sessionColumns+`
		FROM game_sessions gs JOIN servers s ON s.id = gs.server_id
		WHERE gs.is_active
		ORDER BY gs.start_time DESC, gs.id DESC
	`)
}

func (s *Store) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	return getSession(ctx, s.db, id)
}

func (s *Store) PlayerProfile(ctx context.Context, playerKey string) (*models.PlayerProfile, error) {
	profile := &models.PlayerProfile{Teams: []models.PlayerTeamAggregateStats{}}

	err := s.db.QueryRow(ctx, `
		SELECT player_id, player_name, total_score, total_playtime_seconds, session_count, last_updated
		FROM player_aggregate_stats WHERE player_id = $1
	`, playerKey).Scan(&profile.Stats.PlayerKey, &profile.Stats.PlayerName, &profile.Stats.TotalScore,
		&profile.Stats.PlaytimeSeconds, &profile.Stats.SessionCount, &profile.Stats.LastUpdated)
	if err != nil {
		return nil, classify(err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT player_id, team_id, team_name, score, playtime_seconds, last_updated
		FROM player_team_aggregate_stats WHERE player_id = $1
		ORDER BY team_id
	`, playerKey)
	if err != nil {
		return nil, classify(err)
	}
	for rows.Next() {
		var t models.PlayerTeamAggregateStats
		if err := rows.Scan(&t.PlayerKey, &t.TeamID, &t.TeamName, &t.Score, &t.PlaytimeSeconds, &t.LastUpdated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan team stats: %w", err)
		}
		profile.Teams = append(profile.Teams, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	var d models.PlayerDeathAggregateStats
	err = s.db.QueryRow(ctx, `
		SELECT player_id, player_name, total_deaths, waves_survived, last_updated
		FROM player_death_aggregate_stats WHERE player_id = $1
	`, playerKey).Scan(&d.PlayerKey, &d.PlayerName, &d.TotalDeaths, &d.WavesSurvived, &d.LastUpdated)
	switch err = classify(err); {
	case err == nil:
		profile.Deaths = &d
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	var r models.PlayerRedeemAggregateStats
	err = s.db.QueryRow(ctx, `
		SELECT player_id, player_name, total_redeems, last_updated
		FROM player_redeem_aggregate_stats WHERE player_id = $1
	`, playerKey).Scan(&r.PlayerKey, &r.PlayerName, &r.TotalRedeems, &r.LastUpdated)
	switch err = classify(err); {
	case err == nil:
		profile.Redeems = &r
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	return profile, nil
}

var sortColumns = map[models.PlayerSort]string{
	models.SortByScore:    "total_score",
	models.SortByPlaytime: "total_playtime_seconds",
	models.SortBySessions: "session_count",
}

func (s *Store) TopPlayers(ctx context.Context, by models.PlayerSort, limit int) ([]models.PlayerAggregateStats, error) {
	col, ok := sortColumns[by]
	if !ok {
		col = sortColumns[models.SortByScore]
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT player_id, player_name, total_score, total_playtime_seconds, session_count, last_updated
		FROM player_aggregate_stats
		ORDER BY `+col+` DESC, player_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []models.PlayerAggregateStats{}
	for rows.Next() {
		var a models.PlayerAggregateStats
		if err := rows.Scan(&a.PlayerKey, &a.PlayerName, &a.TotalScore, &a.PlaytimeSeconds, &a.SessionCount, &a.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan player stats: %w", err)
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (s *Store) WaveEnds(ctx context.Context, sessionID int64) ([]models.WaveEndSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, wave_number, timestamp, reason
		FROM wave_end_records WHERE session_id = $1
		ORDER BY wave_number, timestamp
	`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.WaveEndSnapshot
	for rows.Next() {
		var w models.WaveEndSnapshot
		if err := rows.Scan(&w.ID, &w.SessionID, &w.Wave, &w.Timestamp, &w.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan wave end: %w", err)
		}
		out = append(out, w)
	}
	return out, classify(rows.Err())
}

func (s *Store) LatestTeamStatuses(ctx context.Context, sessionID int64) ([]models.TeamStatus, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (team_id)
			id, session_id, timestamp, team_id, team_name, player_count, total_score
		FROM team_status WHERE session_id = $1
		ORDER BY team_id, timestamp DESC, id DESC
	`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.TeamStatus
	for rows.Next() {
		var ts models.TeamStatus
		if err := rows.Scan(&ts.ID, &ts.SessionID, &ts.Timestamp, &ts.TeamID, &ts.TeamName, &ts.PlayerCount, &ts.TotalScore); err != nil {
			return nil, fmt.Errorf("failed to scan team status: %w", err)
		}
		out = append(out, ts)
	}
	return out, classify(rows.Err())
}

func (s *Store) WaveScores(ctx context.Context, waveEndID int64) ([]models.PlayerWaveScore, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, wave_end_id, player_record_id, player_id, player_name, team_id, score, is_bot
		FROM player_wave_scores WHERE wave_end_id = $1
		ORDER BY score DESC, id
	`, waveEndID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.PlayerWaveScore
	for rows.Next() {
		var (
			sc   models.PlayerWaveScore
			team *int
		)
		if err := rows.Scan(&sc.ID, &sc.WaveEndID, &sc.PlayerRecordID, &sc.PlayerKey, &sc.PlayerName, &team, &sc.Score, &sc.IsBot); err != nil {
			return nil, fmt.Errorf("failed to scan wave score: %w", err)
		}
		sc.TeamID = models.FromPtr(team)
		out = append(out, sc)
	}
	return out, classify(rows.Err())
}

func (s *Store) TeamChangesByKind(ctx context.Context, sessionID int64, kind models.ChangeKind) ([]models.TeamChangeDetail, error) {
	return queryTeamChanges(ctx, s.db, `WHERE e.session_id = $1 AND e.kind = $2 ORDER BY e.timestamp, e.id`, sessionID, string(kind))
}

func (s *Store) RecentTeamChanges(ctx context.Context, since time.Time, kinds ...models.ChangeKind) ([]models.TeamChangeDetail, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return queryTeamChanges(ctx, s.db, `
		WHERE gs.is_active AND e.timestamp > $1 AND e.kind = ANY($2)
		ORDER BY e.timestamp DESC, e.id DESC
	`, since, names)
}
