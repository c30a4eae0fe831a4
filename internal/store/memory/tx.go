package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

type tx struct {
	st *state
}

var _ store.Tx = (*tx)(nil)

func (t *tx) UpsertServer(_ context.Context, code, name string, seenAt time.Time) (int64, error) {
	if id, ok := t.st.serverByCode[code]; ok {
		srv := t.st.servers[id]
		if name != "" {
			srv.Name = name
		}
		srv.LastSeen = seenAt
		t.st.servers[id] = srv
		return id, nil
	}
	if name == "" {
		name = code
	}
	id := t.st.id()
	t.st.servers[id] = models.Server{ID: id, Code: code, Name: name, LastSeen: seenAt}
	t.st.serverByCode[code] = id
	return id, nil
}

func (t *tx) ActiveSessionsForServer(_ context.Context, serverID int64) ([]models.Session, error) {
	var out []models.Session
	for _, s := range t.st.sessions {
		if s.Active && s.ServerID == serverID {
			out = append(out, t.st.withServerName(s))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (t *tx) AllActiveSessions(_ context.Context) ([]models.Session, error) {
	return t.st.activeSessions(), nil
}

func (t *tx) Session(_ context.Context, id int64) (*models.Session, error) {
	return t.st.session(id)
}

func (t *tx) CreateSession(_ context.Context, s *models.Session) error {
	if s.Active {
		for _, other := range t.st.sessions {
			if other.Active && other.ServerID == s.ServerID {
				return fmt.Errorf("server %d already has active session %d", s.ServerID, other.ID)
			}
		}
	}
	s.ID = t.st.id()
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *tx) UpdateSessionProgress(_ context.Context, s *models.Session) error {
	cur, ok := t.st.sessions[s.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.WaveText = s.WaveText
	cur.Wave = s.Wave
	cur.PeakPlayers = s.PeakPlayers
	cur.SurvivorCount = s.SurvivorCount
	cur.OpposingCount = s.OpposingCount
	t.st.sessions[s.ID] = cur
	return nil
}

func (t *tx) CloseSession(_ context.Context, id int64, endedAt time.Time, result string) error {
	cur, ok := t.st.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	cur.Active = false
	if !cur.EndedAt.Valid {
		cur.EndedAt = models.Some(endedAt)
	}
	cur.Result = models.Some(result)
	t.st.sessions[id] = cur
	return nil
}

func (t *tx) MarkSessionFolded(_ context.Context, id int64, at time.Time) (bool, error) {
	cur, ok := t.st.sessions[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if cur.FoldedAt.Valid {
		return false, nil
	}
	cur.FoldedAt = models.Some(at)
	t.st.sessions[id] = cur
	return true, nil
}

func (t *tx) InsertStatus(_ context.Context, st *models.StatusRecord) error {
	st.ID = t.st.id()
	t.st.statuses = append(t.st.statuses, *st)
	return nil
}

func (t *tx) CountStatusAtWave(_ context.Context, sessionID int64, wave int) (int, error) {
	n := 0
	for _, st := range t.st.statuses {
		if st.SessionID == sessionID && st.Wave.Valid && st.Wave.Value == wave {
			n++
		}
	}
	return n, nil
}

func (t *tx) LastActiveStatusTime(_ context.Context, sessionID int64) (time.Time, error) {
	var last time.Time
	found := false
	for _, st := range t.st.statuses {
		if st.SessionID == sessionID && st.PlayerCount > 0 && (!found || st.Timestamp.After(last)) {
			last = st.Timestamp
			found = true
		}
	}
	if !found {
		return time.Time{}, store.ErrNotFound
	}
	return last, nil
}

func (t *tx) InsertTeamStatus(_ context.Context, ts *models.TeamStatus) error {
	ts.ID = t.st.id()
	t.st.teamStatuses = append(t.st.teamStatuses, *ts)
	return nil
}

func (t *tx) LatestTeamName(_ context.Context, sessionID int64, teamID int) (string, error) {
	var name string
	var at time.Time
	found := false
	for _, ts := range t.st.teamStatuses {
		if ts.SessionID == sessionID && ts.TeamID == teamID && (!found || !ts.Timestamp.Before(at)) {
			name, at, found = ts.TeamName, ts.Timestamp, true
		}
	}
	if !found {
		return "", store.ErrNotFound
	}
	return name, nil
}

func (t *tx) PlayerRecord(_ context.Context, sessionID int64, playerKey string) (*models.PlayerRecord, error) {
	for _, p := range t.st.players {
		if p.SessionID == sessionID && p.PlayerKey == playerKey {
			rec := p
			return &rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) InsertPlayerRecord(ctx context.Context, p *models.PlayerRecord) error {
	if _, err := t.PlayerRecord(ctx, p.SessionID, p.PlayerKey); err == nil {
		return fmt.Errorf("player %s already recorded in session %d", p.PlayerKey, p.SessionID)
	}
	p.ID = t.st.id()
	t.st.players[p.ID] = *p
	return nil
}

func (t *tx) UpdatePlayerRecord(_ context.Context, p *models.PlayerRecord) error {
	if _, ok := t.st.players[p.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.players[p.ID] = *p
	return nil
}

func (t *tx) SessionPlayers(_ context.Context, sessionID int64) ([]models.PlayerRecord, error) {
	var out []models.PlayerRecord
	for _, p := range t.st.players {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) InsertScoreHistory(_ context.Context, h models.ScoreHistory) error {
	t.st.scoreHistory = append(t.st.scoreHistory, h)
	return nil
}

func (t *tx) Stint(_ context.Context, playerRecordID, sessionID int64, teamID int) (*models.TeamScoreStint, error) {
	for _, s := range t.st.stints {
		if s.PlayerRecordID == playerRecordID && s.SessionID == sessionID && s.TeamID == teamID {
			stint := s
			return &stint, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) InsertStint(ctx context.Context, s *models.TeamScoreStint) error {
	if _, err := t.Stint(ctx, s.PlayerRecordID, s.SessionID, s.TeamID); err == nil {
		return fmt.Errorf("stint (%d, %d, %d) already exists", s.PlayerRecordID, s.SessionID, s.TeamID)
	}
	s.ID = t.st.id()
	t.st.stints[s.ID] = *s
	return nil
}

func (t *tx) UpdateStint(_ context.Context, s *models.TeamScoreStint) error {
	if _, ok := t.st.stints[s.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.stints[s.ID] = *s
	return nil
}

func (t *tx) PlayerStints(_ context.Context, playerRecordID, sessionID int64) ([]models.TeamScoreStint, error) {
	var out []models.TeamScoreStint
	for _, s := range t.st.stints {
		if s.PlayerRecordID == playerRecordID && s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) InsertTeamChange(_ context.Context, ev *models.TeamChangeEvent) error {
	ev.ID = t.st.id()
	t.st.changes = append(t.st.changes, *ev)
	return nil
}

func (t *tx) SessionTeamChanges(_ context.Context, sessionID int64, kind models.ChangeKind) ([]models.TeamChangeDetail, error) {
	return t.st.teamChanges(sessionID, kind), nil
}

func (t *tx) WaveEndExists(_ context.Context, sessionID int64, wave int, reason string) (bool, error) {
	for _, w := range t.st.waveEnds {
		if w.SessionID == sessionID && w.Wave == wave && w.Reason == reason {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertWaveEnd(_ context.Context, w *models.WaveEndSnapshot) error {
	w.ID = t.st.id()
	t.st.waveEnds = append(t.st.waveEnds, *w)
	return nil
}

func (t *tx) InsertPlayerWaveScores(_ context.Context, scores []models.PlayerWaveScore) error {
	for _, sc := range scores {
		sc.ID = t.st.id()
		t.st.waveScores = append(t.st.waveScores, sc)
	}
	return nil
}

func (t *tx) AddPlayerTotals(_ context.Context, key, name string, score, playtime int64, at time.Time) error {
	agg := t.st.aggregates[key]
	agg.PlayerKey = key
	agg.PlayerName = name
	agg.TotalScore += score
	agg.PlaytimeSeconds += playtime
	agg.SessionCount++
	agg.LastUpdated = at
	t.st.aggregates[key] = agg
	return nil
}

func (t *tx) AddPlayerTeamTotals(_ context.Context, key string, teamID int, teamName string, score, playtime int64, at time.Time) error {
	k := teamAggKey{player: key, team: teamID}
	agg := t.st.teamAggs[k]
	agg.PlayerKey = key
	agg.TeamID = teamID
	agg.TeamName = teamName
	agg.Score += score
	agg.PlaytimeSeconds += playtime
	agg.LastUpdated = at
	t.st.teamAggs[k] = agg
	return nil
}

func (t *tx) AddPlayerDeath(_ context.Context, key, name string, wave int, at time.Time) error {
	d := t.st.deaths[key]
	d.PlayerKey = key
	d.PlayerName = name
	d.TotalDeaths++
	d.WavesSurvived += int64(wave)
	d.LastUpdated = at
	t.st.deaths[key] = d
	return nil
}

func (t *tx) AddPlayerRedeem(_ context.Context, key, name string, at time.Time) error {
	r := t.st.redeems[key]
	r.PlayerKey = key
	r.PlayerName = name
	r.TotalRedeems++
	r.LastUpdated = at
	t.st.redeems[key] = r
	return nil
}

// shared helpers used by both tx and reader

func sortNewestFirst(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
}

func (s *state) withServerName(sess models.Session) models.Session {
	if srv, ok := s.servers[sess.ServerID]; ok {
		sess.ServerName = srv.Name
	}
	return sess
}

func (s *state) session(id int64) (*models.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sess = s.withServerName(sess)
	return &sess, nil
}

func (s *state) activeSessions() []models.Session {
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, s.withServerName(sess))
		}
	}
	sortNewestFirst(out)
	return out
}

func (s *state) detail(ev models.TeamChangeEvent) models.TeamChangeDetail {
	d := models.TeamChangeDetail{TeamChangeEvent: ev}
	if p, ok := s.players[ev.PlayerRecordID]; ok {
		d.PlayerKey = p.PlayerKey
		d.PlayerName = p.PlayerName
		d.IsBot = p.IsBot
	}
	if sess, ok := s.sessions[ev.SessionID]; ok {
		d.MapName = sess.MapName
		if srv, ok := s.servers[sess.ServerID]; ok {
			d.ServerName = srv.Name
		}
	}
	return d
}

func (s *state) teamChanges(sessionID int64, kind models.ChangeKind) []models.TeamChangeDetail {
	var out []models.TeamChangeDetail
	for _, ev := range s.changes {
		if ev.SessionID == sessionID && ev.Kind == kind {
			out = append(out, s.detail(ev))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
