package logic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

const (
	summaryTopPlayers = 10
	waveWinners       = 5
)

// QueryService serves the read-only reporting operations.
type QueryService struct {
	reader       store.Reader
	names        TeamNames
	survivorTeam int
}

func NewQueryService(reader store.Reader, cfg EngineConfig) *QueryService {
	names := cfg.TeamNames
	if names == nil {
		names = DefaultTeamNames()
	}
	return &QueryService{reader: reader, names: names, survivorTeam: cfg.SurvivorTeam}
}

func (q *QueryService) ActiveSessions(ctx context.Context) ([]models.Session, error) {
	return q.reader.ActiveSessions(ctx)
}

func (q *QueryService) Session(ctx context.Context, id int64) (*models.Session, error) {
	return q.reader.GetSession(ctx, id)
}

func (q *QueryService) PlayerProfile(ctx context.Context, playerKey string) (*models.PlayerProfile, error) {
	return q.reader.PlayerProfile(ctx, playerKey)
}

func (q *QueryService) TopPlayers(ctx context.Context, by models.PlayerSort, limit int) ([]models.PlayerAggregateStats, error) {
	return q.reader.TopPlayers(ctx, by, limit)
}

// WaveSummaries returns per-team totals for every wave-end snapshot of a
// session, ordered by wave.
func (q *QueryService) WaveSummaries(ctx context.Context, sessionID int64) ([]models.WaveSummary, error) {
	ends, err := q.reader.WaveEnds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wave ends: %w", err)
	}

	summaries := make([]models.WaveSummary, len(ends))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, w := range ends {
		i, w := i, w
		g.Go(func() error {
			scores, err := q.reader.WaveScores(ctx, w.ID)
			if err != nil {
				return fmt.Errorf("wave %d: %w", w.Wave, err)
			}
			summaries[i] = models.WaveSummary{
				Wave:      w.Wave,
				Timestamp: w.Timestamp,
				Reason:    w.Reason,
				TeamStats: q.teamStats(scores),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// WaveSummary describes the latest snapshot taken for one wave, including its
// top human players.
func (q *QueryService) WaveSummary(ctx context.Context, sessionID int64, wave int) (*models.WaveSummary, error) {
	w, scores, err := q.latestWaveEnd(ctx, sessionID, wave)
	if err != nil {
		return nil, err
	}

	top := make([]models.PlayerWaveScore, 0, summaryTopPlayers)
	for _, sc := range scores {
		if sc.IsBot {
			continue
		}
		top = append(top, sc)
		if len(top) == summaryTopPlayers {
			break
		}
	}
	return &models.WaveSummary{
		Wave:       w.Wave,
		Timestamp:  w.Timestamp,
		Reason:     w.Reason,
		TeamStats:  q.teamStats(scores),
		TopPlayers: top,
	}, nil
}

// WaveWinners returns the top human survivors of the latest snapshot for a wave.
func (q *QueryService) WaveWinners(ctx context.Context, sessionID int64, wave int) ([]models.PlayerWaveScore, error) {
	_, scores, err := q.latestWaveEnd(ctx, sessionID, wave)
	if err != nil {
		return nil, err
	}

	winners := []models.PlayerWaveScore{}
	for _, sc := range scores {
		if sc.IsBot || sc.TeamID.OrElse(-1) != q.survivorTeam {
			continue
		}
		winners = append(winners, sc)
		if len(winners) == waveWinners {
			break
		}
	}
	return winners, nil
}

// PlayerWaveHistory returns a player's score at each wave-end snapshot of a session.
func (q *QueryService) PlayerWaveHistory(ctx context.Context, sessionID int64, playerKey string) ([]models.PlayerWaveHistoryEntry, error) {
	ends, err := q.reader.WaveEnds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wave ends: %w", err)
	}

	history := []models.PlayerWaveHistoryEntry{}
	for _, w := range ends {
		scores, err := q.reader.WaveScores(ctx, w.ID)
		if err != nil {
			return nil, fmt.Errorf("wave %d: %w", w.Wave, err)
		}
		for _, sc := range scores {
			if sc.PlayerKey != playerKey {
				continue
			}
			history = append(history, models.PlayerWaveHistoryEntry{
				Wave:      w.Wave,
				Timestamp: w.Timestamp,
				Reason:    w.Reason,
				Score:     sc.Score,
				TeamID:    sc.TeamID,
			})
		}
	}
	return history, nil
}

func (q *QueryService) SessionDeaths(ctx context.Context, sessionID int64) ([]models.TeamChangeDetail, error) {
	return q.reader.TeamChangesByKind(ctx, sessionID, models.ChangeDeath)
}

func (q *QueryService) SessionRedeems(ctx context.Context, sessionID int64) ([]models.TeamChangeDetail, error) {
	return q.reader.TeamChangesByKind(ctx, sessionID, models.ChangeRedemption)
}

// RecentEvents returns deaths and redemptions in active sessions within the
// trailing window, newest first.
func (q *QueryService) RecentEvents(ctx context.Context, now time.Time, window time.Duration) ([]models.TeamChangeDetail, error) {
	return q.reader.RecentTeamChanges(ctx, now.Add(-window), models.ChangeDeath, models.ChangeRedemption)
}

// TeamComposition reports each team's size and score. With a wave it uses
// that wave's latest snapshot; otherwise, or when the wave has no snapshot,
// it falls back to the newest team status row per team.
func (q *QueryService) TeamComposition(ctx context.Context, sessionID int64, wave models.Optional[int]) (*models.TeamComposition, error) {
	if w, ok := wave.Get(); ok {
		_, scores, err := q.latestWaveEnd(ctx, sessionID, w)
		switch {
		case err == nil && len(scores) > 0:
			comp := &models.TeamComposition{Wave: wave, Teams: []models.WaveTeamStat{}}
			for _, st := range q.teamStats(scores) {
				if _, known := st.TeamID.Get(); known {
					comp.Teams = append(comp.Teams, st)
				}
			}
			return comp, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	sess, err := q.reader.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	statuses, err := q.reader.LatestTeamStatuses(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team status: %w", err)
	}
	comp := &models.TeamComposition{Wave: sess.Wave, Teams: make([]models.WaveTeamStat, 0, len(statuses))}
	for _, ts := range statuses {
		comp.Teams = append(comp.Teams, models.WaveTeamStat{
			TeamID:      models.Some(ts.TeamID),
			TeamName:    ts.TeamName,
			PlayerCount: ts.PlayerCount,
			TotalScore:  ts.TotalScore,
		})
	}
	return comp, nil
}

func (q *QueryService) latestWaveEnd(ctx context.Context, sessionID int64, wave int) (models.WaveEndSnapshot, []models.PlayerWaveScore, error) {
	ends, err := q.reader.WaveEnds(ctx, sessionID)
	if err != nil {
		return models.WaveEndSnapshot{}, nil, fmt.Errorf("failed to load wave ends: %w", err)
	}

	var (
		latest models.WaveEndSnapshot
		found  bool
	)
	for _, w := range ends {
		if w.Wave == wave && (!found || !w.Timestamp.Before(latest.Timestamp)) {
			latest, found = w, true
		}
	}
	if !found {
		return latest, nil, store.ErrNotFound
	}

	scores, err := q.reader.WaveScores(ctx, latest.ID)
	if err != nil {
		return latest, nil, fmt.Errorf("failed to load wave scores: %w", err)
	}
	return latest, scores, nil
}

func (q *QueryService) teamStats(scores []models.PlayerWaveScore) []models.WaveTeamStat {
	byTeam := map[models.Optional[int]]*models.WaveTeamStat{}
	for _, sc := range scores {
		st, ok := byTeam[sc.TeamID]
		if !ok {
			name := "No Team"
			if id, known := sc.TeamID.Get(); known {
				name = q.names.Name(id)
			}
			st = &models.WaveTeamStat{TeamID: sc.TeamID, TeamName: name}
			byTeam[sc.TeamID] = st
		}
		st.PlayerCount++
		st.TotalScore += sc.Score
	}

	out := make([]models.WaveTeamStat, 0, len(byTeam))
	for _, st := range byTeam {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TeamID.OrElse(-1) < out[j].TeamID.OrElse(-1)
	})
	return out
}
