package logic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
	"github.com/openmohaa/session-tracker/internal/store/memory"
)

var t0 = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *testClock) {
	t.Helper()
	st := memory.New(zap.NewNop().Sugar())
	clock := &testClock{now: t0}
	eng := NewEngine(st, DefaultEngineConfig(), zap.NewNop().Sugar()).WithClock(clock.Now)
	return eng, st, clock
}

func human(key string, team, score int) models.SnapshotPlayer {
	return models.SnapshotPlayer{PlayerKey: key, Name: "Player " + key, TeamID: models.Some(team), Score: score}
}

func bot(name string, team, score int) models.SnapshotPlayer {
	return models.SnapshotPlayer{
		PlayerKey: models.BotPlayerKey(name, models.Some(team)),
		Name:      name,
		TeamID:    models.Some(team),
		Score:     score,
		IsBot:     true,
	}
}

// snapshot builds a detailed snapshot for server "srv"; an empty wave means
// the indicator was absent.
func snapshot(at time.Time, mapName, wave string, players ...models.SnapshotPlayer) models.Snapshot {
	s := models.Snapshot{
		ServerCode:  "srv",
		ServerName:  "Test Server",
		MapName:     mapName,
		PlayerCount: len(players),
		MaxPlayers:  16,
		ObservedAt:  at,
		TeamCounts:  map[int]int{},
		TeamScores:  map[int]int{},
		TeamNames:   map[int]string{},
		Players:     append([]models.SnapshotPlayer{}, players...),
	}
	if wave != "" {
		s.WaveText = models.Some(wave)
	}
	for _, p := range players {
		if team, ok := p.TeamID.Get(); ok {
			s.TeamCounts[team]++
			s.TeamScores[team] += p.Score
		}
	}
	return s
}

func process(t *testing.T, eng *Engine, snap models.Snapshot) *CycleResult {
	t.Helper()
	res, err := eng.ProcessSnapshot(context.Background(), snap)
	require.NoError(t, err)
	return res
}

// inTx runs fn against the store and fails the test on error.
func inTx(t *testing.T, st store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}
