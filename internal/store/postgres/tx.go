package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

type tx struct {
	q querier
}

var _ store.Tx = (*tx)(nil)

const sessionColumns = `
	gs.id, gs.server_id, s.name, gs.map_name, gs.start_time, gs.end_time,
	gs.current_wave, gs.wave_number, gs.result, gs.stats_folded_at,
	gs.max_players, gs.peak_player_count, gs.survivor_count, gs.opposing_count, gs.is_active`

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		s        models.Session
		endedAt  *time.Time
		waveText *string
		wave     *int
		result   *string
		foldedAt *time.Time
	)
	err := row.Scan(&s.ID, &s.ServerID, &s.ServerName, &s.MapName, &s.StartedAt, &endedAt,
		&waveText, &wave, &result, &foldedAt,
		&s.MaxPlayers, &s.PeakPlayers, &s.SurvivorCount, &s.OpposingCount, &s.Active)
	if err != nil {
		return s, err
	}
	s.EndedAt = models.FromPtr(endedAt)
	s.WaveText = models.FromPtr(waveText)
	s.Wave = models.FromPtr(wave)
	s.Result = models.FromPtr(result)
	s.FoldedAt = models.FromPtr(foldedAt)
	return s, nil
}

func querySessions(ctx context.Context, q querier, sql string, args ...any) ([]models.Session, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}

func (t *tx) UpsertServer(ctx context.Context, code, name string, seenAt time.Time) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO servers (code, name, last_seen)
		VALUES ($1, COALESCE(NULLIF($2, ''), $1), $3)
		ON CONFLICT (code) DO UPDATE
		SET name = COALESCE(NULLIF($2, ''), servers.name), last_seen = EXCLUDED.last_seen
		RETURNING id
	`, code, name, seenAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert server %s: %w", code, classify(err))
	}
	return id, nil
}

// Session rows read inside a transaction are locked until commit, so a
// poller cycle and a manual end or recovery of the same session serialize.
// Under READ COMMITTED a waiting reader re-evaluates is_active once the lock
// is released, so a session closed meanwhile drops out of the result.
var (
	activeSessionsForServerSQL = `
		SELECT ` + sessionColumns + `
		FROM game_sessions gs JOIN servers s ON s.id = gs.server_id
		WHERE gs.server_id = $1 AND gs.is_active
		ORDER BY gs.start_time DESC, gs.id DESC
		FOR UPDATE OF gs`

	lockSessionSQL = `
		SELECT ` + sessionColumns + `
		FROM game_sessions gs JOIN servers s ON s.id = gs.server_id
		WHERE gs.id = $1
		FOR UPDATE OF gs`
)

func (t *tx) ActiveSessionsForServer(ctx context.Context, serverID int64) ([]models.Session, error) {
	return querySessions(ctx, t.q, activeSessionsForServerSQL, serverID)
}

func (t *tx) AllActiveSessions(ctx context.Context) ([]models.Session, error) {
	return querySessions(ctx, t.q, `
		SELECT `+sessionColumns+`
		FROM game_sessions gs JOIN servers s ON s.id = gs.server_id
		WHERE gs.is_active
		ORDER BY gs.start_time DESC, gs.id DESC
	`)
}

func (t *tx) Session(ctx context.Context, id int64) (*models.Session, error) {
	s, err := scanSession(t.q.QueryRow(ctx, lockSessionSQL, id))
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func getSession(ctx context.Context, q querier, id int64) (*models.Session, error) {
	s, err := scanSession(q.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM game_sessions gs JOIN servers s ON s.id = gs.server_id
		WHERE gs.id = $1
	`, id))
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func (t *tx) CreateSession(ctx context.Context, s *models.Session) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO game_sessions (server_id, map_name, start_time, current_wave, wave_number,
			max_players, peak_player_count, survivor_count, opposing_count, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, s.ServerID, s.MapName, s.StartedAt, s.WaveText.Ptr(), s.Wave.Ptr(),
		s.MaxPlayers, s.PeakPlayers, s.SurvivorCount, s.OpposingCount, s.Active).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", classify(err))
	}
	return nil
}

func (t *tx) UpdateSessionProgress(ctx context.Context, s *models.Session) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE game_sessions
		SET current_wave = $2, wave_number = $3, peak_player_count = $4,
		    survivor_count = $5, opposing_count = $6
		WHERE id = $1
	`, s.ID, s.WaveText.Ptr(), s.Wave.Ptr(), s.PeakPlayers, s.SurvivorCount, s.OpposingCount)
	if err != nil {
		return fmt.Errorf("failed to update session %d: %w", s.ID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) CloseSession(ctx context.Context, id int64, endedAt time.Time, result string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE game_sessions
		SET is_active = FALSE, end_time = COALESCE(end_time, $2), result = $3
		WHERE id = $1
	`, id, endedAt, result)
	if err != nil {
		return fmt.Errorf("failed to close session %d: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) MarkSessionFolded(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE game_sessions SET stats_folded_at = $2
		WHERE id = $1 AND stats_folded_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark session %d folded: %w", id, classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) InsertStatus(ctx context.Context, st *models.StatusRecord) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO server_status (session_id, timestamp, player_count, current_wave, wave_number)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, st.SessionID, st.Timestamp, st.PlayerCount, st.WaveText.Ptr(), st.Wave.Ptr()).Scan(&st.ID)
	return classify(err)
}

func (t *tx) CountStatusAtWave(ctx context.Context, sessionID int64, wave int) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM server_status WHERE session_id = $1 AND wave_number = $2
	`, sessionID, wave).Scan(&n)
	return n, classify(err)
}

func (t *tx) LastActiveStatusTime(ctx context.Context, sessionID int64) (time.Time, error) {
	var last *time.Time
	err := t.q.QueryRow(ctx, `
		SELECT MAX(timestamp) FROM server_status WHERE session_id = $1 AND player_count > 0
	`, sessionID).Scan(&last)
	if err != nil {
		return time.Time{}, classify(err)
	}
	if last == nil {
		return time.Time{}, store.ErrNotFound
	}
	return *last, nil
}

func (t *tx) InsertTeamStatus(ctx context.Context, ts *models.TeamStatus) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO team_status (session_id, timestamp, team_id, team_name, player_count, total_score)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, ts.SessionID, ts.Timestamp, ts.TeamID, ts.TeamName, ts.PlayerCount, ts.TotalScore).Scan(&ts.ID)
	return classify(err)
}

func (t *tx) LatestTeamName(ctx context.Context, sessionID int64, teamID int) (string, error) {
	var name string
	err := t.q.QueryRow(ctx, `
		SELECT team_name FROM team_status
		WHERE session_id = $1 AND team_id = $2
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, sessionID, teamID).Scan(&name)
	return name, classify(err)
}

const playerColumns = `id, session_id, player_id, player_name, team_id, current_score,
	initial_score, highest_score, first_seen, last_seen, is_bot`

func scanPlayer(row pgx.Row) (models.PlayerRecord, error) {
	var (
		p    models.PlayerRecord
		team *int
	)
	err := row.Scan(&p.ID, &p.SessionID, &p.PlayerKey, &p.PlayerName, &team, &p.CurrentScore,
		&p.InitialScore, &p.HighestScore, &p.FirstSeen, &p.LastSeen, &p.IsBot)
	p.TeamID = models.FromPtr(team)
	return p, err
}

func (t *tx) PlayerRecord(ctx context.Context, sessionID int64, playerKey string) (*models.PlayerRecord, error) {
	p, err := scanPlayer(t.q.QueryRow(ctx, `
		SELECT `+playerColumns+` FROM player_records WHERE session_id = $1 AND player_id = $2
	`, sessionID, playerKey))
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (t *tx) InsertPlayerRecord(ctx context.Context, p *models.PlayerRecord) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO player_records (session_id, player_id, player_name, team_id, current_score,
			initial_score, highest_score, first_seen, last_seen, is_bot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, p.SessionID, p.PlayerKey, p.PlayerName, p.TeamID.Ptr(), p.CurrentScore,
		p.InitialScore, p.HighestScore, p.FirstSeen, p.LastSeen, p.IsBot).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert player %s: %w", p.PlayerKey, classify(err))
	}
	return nil
}

func (t *tx) UpdatePlayerRecord(ctx context.Context, p *models.PlayerRecord) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE player_records
		SET player_name = $2, team_id = $3, current_score = $4, highest_score = $5, last_seen = $6
		WHERE id = $1
	`, p.ID, p.PlayerName, p.TeamID.Ptr(), p.CurrentScore, p.HighestScore, p.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to update player %s: %w", p.PlayerKey, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) SessionPlayers(ctx context.Context, sessionID int64) ([]models.PlayerRecord, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+playerColumns+` FROM player_records WHERE session_id = $1 ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.PlayerRecord
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

func (t *tx) InsertScoreHistory(ctx context.Context, h models.ScoreHistory) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO score_history (player_record_id, timestamp, score) VALUES ($1, $2, $3)
	`, h.PlayerRecordID, h.Timestamp, h.Score)
	return classify(err)
}

const stintColumns = `id, player_record_id, session_id, team_id, initial_score, final_score, first_seen, last_updated`

func scanStint(row pgx.Row) (models.TeamScoreStint, error) {
	var s models.TeamScoreStint
	err := row.Scan(&s.ID, &s.PlayerRecordID, &s.SessionID, &s.TeamID,
		&s.InitialScore, &s.FinalScore, &s.FirstSeen, &s.LastUpdated)
	return s, err
}

func (t *tx) Stint(ctx context.Context, playerRecordID, sessionID int64, teamID int) (*models.TeamScoreStint, error) {
	s, err := scanStint(t.q.QueryRow(ctx, `
		SELECT `+stintColumns+` FROM team_score_stints
		WHERE player_record_id = $1 AND session_id = $2 AND team_id = $3
	`, playerRecordID, sessionID, teamID))
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func (t *tx) InsertStint(ctx context.Context, s *models.TeamScoreStint) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO team_score_stints (player_record_id, session_id, team_id, initial_score,
			final_score, first_seen, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, s.PlayerRecordID, s.SessionID, s.TeamID, s.InitialScore, s.FinalScore, s.FirstSeen, s.LastUpdated).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to insert stint: %w", classify(err))
	}
	return nil
}

func (t *tx) UpdateStint(ctx context.Context, s *models.TeamScoreStint) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE team_score_stints SET initial_score = $2, final_score = $3, last_updated = $4
		WHERE id = $1
	`, s.ID, s.InitialScore, s.FinalScore, s.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to update stint %d: %w", s.ID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) PlayerStints(ctx context.Context, playerRecordID, sessionID int64) ([]models.TeamScoreStint, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+stintColumns+` FROM team_score_stints
		WHERE player_record_id = $1 AND session_id = $2
		ORDER BY id
	`, playerRecordID, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.TeamScoreStint
	for rows.Next() {
		s, err := scanStint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stint: %w", err)
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}

func (t *tx) InsertTeamChange(ctx context.Context, ev *models.TeamChangeEvent) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO team_change_events (player_record_id, session_id, old_team_id, new_team_id,
			timestamp, current_wave, wave_number, kind, score_at_change)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, ev.PlayerRecordID, ev.SessionID, ev.OldTeam, ev.NewTeam, ev.Timestamp,
		ev.WaveText.Ptr(), ev.Wave.Ptr(), string(ev.Kind), ev.ScoreAtChange).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert team change: %w", classify(err))
	}
	return nil
}

func (t *tx) SessionTeamChanges(ctx context.Context, sessionID int64, kind models.ChangeKind) ([]models.TeamChangeDetail, error) {
	return queryTeamChanges(ctx, t.q, `WHERE e.session_id = $1 AND e.kind = $2 ORDER BY e.timestamp, e.id`, sessionID, string(kind))
}

func (t *tx) WaveEndExists(ctx context.Context, sessionID int64, wave int, reason string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wave_end_records WHERE session_id = $1 AND wave_number = $2 AND reason = $3
		)
	`, sessionID, wave, reason).Scan(&exists)
	return exists, classify(err)
}

func (t *tx) InsertWaveEnd(ctx context.Context, w *models.WaveEndSnapshot) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO wave_end_records (session_id, wave_number, timestamp, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, w.SessionID, w.Wave, w.Timestamp, w.Reason).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("failed to insert wave end: %w", classify(err))
	}
	return nil
}

func (t *tx) InsertPlayerWaveScores(ctx context.Context, scores []models.PlayerWaveScore) error {
	if len(scores) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sc := range scores {
		batch.Queue(`
			INSERT INTO player_wave_scores (wave_end_id, player_record_id, player_id, player_name, team_id, score, is_bot)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, sc.WaveEndID, sc.PlayerRecordID, sc.PlayerKey, sc.PlayerName, sc.TeamID.Ptr(), sc.Score, sc.IsBot)
	}
	res := t.q.SendBatch(ctx, batch)
	defer res.Close()
	for range scores {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("failed to insert wave scores: %w", classify(err))
		}
	}
	return nil
}

func (t *tx) AddPlayerTotals(ctx context.Context, key, name string, score, playtime int64, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO player_aggregate_stats (player_id, player_name, total_score, total_playtime_seconds, session_count, last_updated)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (player_id) DO UPDATE SET
			player_name = EXCLUDED.player_name,
			total_score = player_aggregate_stats.total_score + EXCLUDED.total_score,
			total_playtime_seconds = player_aggregate_stats.total_playtime_seconds + EXCLUDED.total_playtime_seconds,
			session_count = player_aggregate_stats.session_count + 1,
			last_updated = EXCLUDED.last_updated
	`, key, name, score, playtime, at)
	return classify(err)
}

func (t *tx) AddPlayerTeamTotals(ctx context.Context, key string, teamID int, teamName string, score, playtime int64, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO player_team_aggregate_stats (player_id, team_id, team_name, score, playtime_seconds, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (player_id, team_id) DO UPDATE SET
			team_name = EXCLUDED.team_name,
			score = player_team_aggregate_stats.score + EXCLUDED.score,
			playtime_seconds = player_team_aggregate_stats.playtime_seconds + EXCLUDED.playtime_seconds,
			last_updated = EXCLUDED.last_updated
	`, key, teamID, teamName, score, playtime, at)
	return classify(err)
}

func (t *tx) AddPlayerDeath(ctx context.Context, key, name string, wave int, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO player_death_aggregate_stats (player_id, player_name, total_deaths, waves_survived, last_updated)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (player_id) DO UPDATE SET
			player_name = EXCLUDED.player_name,
			total_deaths = player_death_aggregate_stats.total_deaths + 1,
			waves_survived = player_death_aggregate_stats.waves_survived + EXCLUDED.waves_survived,
			last_updated = EXCLUDED.last_updated
	`, key, name, wave, at)
	return classify(err)
}

func (t *tx) AddPlayerRedeem(ctx context.Context, key, name string, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO player_redeem_aggregate_stats (player_id, player_name, total_redeems, last_updated)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (player_id) DO UPDATE SET
			player_name = EXCLUDED.player_name,
			total_redeems = player_redeem_aggregate_stats.total_redeems + 1,
			last_updated = EXCLUDED.last_updated
	`, key, name, at)
	return classify(err)
}

func queryTeamChanges(ctx context.Context, q querier, where string, args ...any) ([]models.TeamChangeDetail, error) {
	rows, err := q.Query(ctx, `
		SELECT e.id, e.player_record_id, e.session_id, e.old_team_id, e.new_team_id, e.timestamp,
		       e.current_wave, e.wave_number, e.kind, e.score_at_change,
		       p.player_id, p.player_name, p.is_bot, s.name, gs.map_name
		FROM team_change_events e
		JOIN player_records p ON p.id = e.player_record_id
		JOIN game_sessions gs ON gs.id = e.session_id
		JOIN servers s ON s.id = gs.server_id
		`+where, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.TeamChangeDetail
	for rows.Next() {
		var (
			d        models.TeamChangeDetail
			waveText *string
			wave     *int
			kind     string
		)
		if err := rows.Scan(&d.ID, &d.PlayerRecordID, &d.SessionID, &d.OldTeam, &d.NewTeam, &d.Timestamp,
			&waveText, &wave, &kind, &d.ScoreAtChange,
			&d.PlayerKey, &d.PlayerName, &d.IsBot, &d.ServerName, &d.MapName); err != nil {
			return nil, fmt.Errorf("failed to scan team change: %w", err)
		}
		d.WaveText = models.FromPtr(waveText)
		d.Wave = models.FromPtr(wave)
		d.Kind = models.ChangeKind(kind)
		out = append(out, d)
	}
	return out, classify(rows.Err())
}
