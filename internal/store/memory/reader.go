package memory

import (
	"context"
	"sort"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

func (s *Store) ActiveSessions(_ context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.activeSessions(), nil
}

func (s *Store) GetSession(_ context.Context, id int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.session(id)
}

func (s *Store) PlayerProfile(_ context.Context, playerKey string) (*models.PlayerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.st.aggregates[playerKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	profile := &models.PlayerProfile{Stats: agg, Teams: []models.PlayerTeamAggregateStats{}}
	for k, t := range s.st.teamAggs {
		if k.player == playerKey {
			profile.Teams = append(profile.Teams, t)
		}
	}
	sort.Slice(profile.Teams, func(i, j int) bool { return profile.Teams[i].TeamID < profile.Teams[j].TeamID })
	if d, ok := s.st.deaths[playerKey]; ok {
		profile.Deaths = &d
	}
	if r, ok := s.st.redeems[playerKey]; ok {
		profile.Redeems = &r
	}
	return profile, nil
}

func (s *Store) TopPlayers(_ context.Context, by models.PlayerSort, limit int) ([]models.PlayerAggregateStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.PlayerAggregateStats, 0, len(s.st.aggregates))
	for _, a := range s.st.aggregates {
		out = append(out, a)
	}
	key := func(a models.PlayerAggregateStats) int64 {
		switch by {
		case models.SortByPlaytime:
			return a.PlaytimeSeconds
		case models.SortBySessions:
			return int64(a.SessionCount)
		default:
			return a.TotalScore
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ki, kj := key(out[i]), key(out[j]); ki != kj {
			return ki > kj
		}
		return out[i].PlayerKey < out[j].PlayerKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) WaveEnds(_ context.Context, sessionID int64) ([]models.WaveEndSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.WaveEndSnapshot
	for _, w := range s.st.waveEnds {
		if w.SessionID == sessionID {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Wave != out[j].Wave {
			return out[i].Wave < out[j].Wave
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) LatestTeamStatuses(_ context.Context, sessionID int64) ([]models.TeamStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := map[int]models.TeamStatus{}
	for _, ts := range s.st.teamStatuses {
		if ts.SessionID != sessionID {
			continue
		}
		cur, ok := latest[ts.TeamID]
		if !ok || !ts.Timestamp.Before(cur.Timestamp) {
			latest[ts.TeamID] = ts
		}
	}

	out := make([]models.TeamStatus, 0, len(latest))
	for _, ts := range latest {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out, nil
}

func (s *Store) WaveScores(_ context.Context, waveEndID int64) ([]models.PlayerWaveScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PlayerWaveScore
	for _, sc := range s.st.waveScores {
		if sc.WaveEndID == waveEndID {
			out = append(out, sc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (s *Store) TeamChangesByKind(_ context.Context, sessionID int64, kind models.ChangeKind) ([]models.TeamChangeDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.teamChanges(sessionID, kind), nil
}

func (s *Store) RecentTeamChanges(_ context.Context, since time.Time, kinds ...models.ChangeKind) ([]models.TeamChangeDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[models.ChangeKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	var out []models.TeamChangeDetail
	for _, ev := range s.st.changes {
		sess, ok := s.st.sessions[ev.SessionID]
		if !ok || !sess.Active || !wanted[ev.Kind] || !ev.Timestamp.After(since) {
			continue
		}
		out = append(out, s.st.detail(ev))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
