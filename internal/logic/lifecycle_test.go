package logic

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
	"github.com/openmohaa/session-tracker/internal/store/memory"
)

func TestProcessSnapshot_EndToEnd(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	// Cycle 1: new session on Farm at wave 1.
	res := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("alice", 4, 0), human("bob", 3, 0)))
	require.True(t, res.Opened)
	farm := res.SessionID

	sess, err := st.GetSession(ctx, farm)
	require.NoError(t, err)
	assert.Equal(t, models.Some(1), sess.Wave)
	assert.Equal(t, 1, sess.SurvivorCount)
	assert.Equal(t, 1, sess.OpposingCount)

	// Cycle 2: wave progression, wave 1 snapshot.
	res = process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 2", human("alice", 4, 10), human("bob", 3, 5)))
	assert.False(t, res.Opened)
	assert.Equal(t, farm, res.SessionID)
	assert.Equal(t, 1, res.WaveEnds)

	ends, err := st.WaveEnds(ctx, farm)
	require.NoError(t, err)
	require.Len(t, ends, 1)
	assert.Equal(t, 1, ends[0].Wave)
	assert.Equal(t, models.ReasonWaveCompleted, ends[0].Reason)

	// Cycle 3: alice dies.
	res = process(t, eng, snapshot(t0.Add(20*time.Second), "Farm", "Wave 2", human("alice", 3, 10), human("bob", 3, 5)))
	require.Len(t, res.TeamChanges, 1)
	ev := res.TeamChanges[0]
	assert.Equal(t, models.ChangeDeath, ev.Kind)
	assert.Equal(t, 4, ev.OldTeam)
	assert.Equal(t, 3, ev.NewTeam)
	assert.Equal(t, models.Some(2), ev.Wave)
	assert.Equal(t, 10, ev.ScoreAtChange)

	// Cycle 4: map change closes Farm and opens City.
	res = process(t, eng, snapshot(t0.Add(30*time.Second), "City", "Wave 1", human("alice", 4, 0), human("bob", 4, 0)))
	require.Len(t, res.Closed, 1)
	assert.Equal(t, farm, res.Closed[0].SessionID)
	assert.Equal(t, "Loss - Ended on Wave 2 - Map Changed", res.Closed[0].Result)
	assert.True(t, res.Opened)
	assert.NotEqual(t, farm, res.SessionID)

	closed, err := st.GetSession(ctx, farm)
	require.NoError(t, err)
	assert.False(t, closed.Active)
	assert.Equal(t, models.Some(t0.Add(30*time.Second)), closed.EndedAt)

	ends, err = st.WaveEnds(ctx, farm)
	require.NoError(t, err)
	require.Len(t, ends, 2)
	assert.Equal(t, 2, ends[1].Wave)
	assert.Equal(t, models.ReasonMapChanged, ends[1].Reason)

	alice, err := st.PlayerProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), alice.Stats.TotalScore)
	assert.Equal(t, int64(20), alice.Stats.PlaytimeSeconds)
	assert.Equal(t, 1, alice.Stats.SessionCount)
	require.NotNil(t, alice.Deaths)
	assert.Equal(t, 1, alice.Deaths.TotalDeaths)
	assert.Equal(t, int64(2), alice.Deaths.WavesSurvived)
	assert.Nil(t, alice.Redeems)

	wantTeams := []models.PlayerTeamAggregateStats{
		{PlayerKey: "alice", TeamID: 3, TeamName: "Undead", Score: 0, PlaytimeSeconds: 10, LastUpdated: t0.Add(30 * time.Second)},
		{PlayerKey: "alice", TeamID: 4, TeamName: "Humans", Score: 10, PlaytimeSeconds: 10, LastUpdated: t0.Add(30 * time.Second)},
	}
	if diff := cmp.Diff(wantTeams, alice.Teams); diff != "" {
		t.Errorf("alice team totals mismatch (-want +got):\n%s", diff)
	}

	bob, err := st.PlayerProfile(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bob.Stats.TotalScore)
	assert.Equal(t, int64(20), bob.Stats.PlaytimeSeconds)
	assert.Nil(t, bob.Deaths)

	active, err := st.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "City", active[0].MapName)
}

func TestProcessSnapshot_AtMostOneActiveSession(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	maps := []string{"Farm", "Farm", "City", "City", "Farm", "Depot", "Depot"}
	waves := []string{"Wave 1", "Wave 2", "Wave 1", "Wave 1", "Wave 3", "", "Wave 1"}
	for i := range maps {
		process(t, eng, snapshot(t0.Add(time.Duration(i)*10*time.Second), maps[i], waves[i], human("p", 4, i)))

		active, err := st.ActiveSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1, "cycle %d", i)
	}
}

func TestProcessSnapshot_RoundRestart(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	first := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0))).SessionID
	process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 2", human("p", 4, 10)))
	process(t, eng, snapshot(t0.Add(20*time.Second), "Farm", "Wave 3", human("p", 4, 20)))

	res := process(t, eng, snapshot(t0.Add(30*time.Second), "Farm", "Wave 1", human("p", 4, 0)))
	require.Len(t, res.Closed, 1)
	assert.Equal(t, first, res.Closed[0].SessionID)
	assert.Equal(t, "Loss - Ended on Wave 3 - Round Restarted", res.Closed[0].Result)
	assert.True(t, res.Opened)

	ends, err := st.WaveEnds(ctx, first)
	require.NoError(t, err)
	last := ends[len(ends)-1]
	assert.Equal(t, 3, last.Wave)
	assert.Equal(t, models.ReasonRoundRestarted, last.Reason)
}

func TestProcessSnapshot_RegressionToRecordedWaveRestarts(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	process(t, eng, snapshot(t0, "Farm", "Wave 2", human("p", 4, 0)))
	process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 3", human("p", 4, 0)))

	res := process(t, eng, snapshot(t0.Add(20*time.Second), "Farm", "Wave 2", human("p", 4, 0)))
	require.Len(t, res.Closed, 1)
	assert.True(t, res.Opened)
}

func TestProcessSnapshot_BenignWaveReset(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	id := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0))).SessionID
	process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 3", human("p", 4, 0)))

	res := process(t, eng, snapshot(t0.Add(20*time.Second), "Farm", "Wave 2", human("p", 4, 0)))
	assert.Empty(t, res.Closed)
	assert.False(t, res.Opened)
	assert.Equal(t, id, res.SessionID)

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Active)
	assert.Equal(t, models.Some(2), sess.Wave)
}

func TestProcessSnapshot_WaveZeroProgressionHasNoSnapshot(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	process(t, eng, snapshot(t0, "Farm", "Wave 0", human("p", 4, 0)))
	res := process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 1", human("p", 4, 0)))
	assert.Zero(t, res.WaveEnds)
	assert.Zero(t, st.Counts().WaveEnds)
}

func TestProcessSnapshot_Timeout(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	id := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0))).SessionID

	empty := snapshot(t0.Add(time.Minute), "Farm", "")
	res := process(t, eng, empty)
	assert.Empty(t, res.Closed)
	assert.Equal(t, id, res.SessionID)

	empty.ObservedAt = t0.Add(16 * time.Minute)
	res = process(t, eng, empty)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, models.ResultTimeout, res.Closed[0].Result)
	assert.False(t, res.Opened)
	assert.Zero(t, res.SessionID)

	ends, err := st.WaveEnds(ctx, id)
	require.NoError(t, err)
	require.Len(t, ends, 1)
	assert.Equal(t, 0, ends[0].Wave)
	assert.Equal(t, models.ReasonTimeout, ends[0].Reason)

	// the next cycle with players opens a fresh session
	res = process(t, eng, snapshot(t0.Add(17*time.Minute), "Farm", "", human("p", 4, 0)))
	assert.True(t, res.Opened)
	assert.NotEqual(t, id, res.SessionID)
}

func TestProcessSnapshot_NoTimeoutWithinThreshold(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	id := process(t, eng, snapshot(t0, "Farm", "", human("p", 4, 0))).SessionID
	res := process(t, eng, snapshot(t0.Add(14*time.Minute), "Farm", ""))
	assert.Empty(t, res.Closed)
	assert.Equal(t, id, res.SessionID)
}

func TestProcessSnapshot_MinPlayersGate(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	res := process(t, eng, snapshot(t0, "Farm", "Wave 1"))
	assert.False(t, res.Opened)
	assert.Zero(t, res.SessionID)
	assert.NotZero(t, res.ServerID)

	active, err := st.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Zero(t, st.Counts().Statuses)
}

func TestProcessSnapshot_NoDetailsKeepsPlayersAndCounts(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	id := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0), human("q", 4, 0))).SessionID

	bare := models.Snapshot{
		ServerCode:  "srv",
		MapName:     "Farm",
		WaveText:    models.Some("Wave 1"),
		PlayerCount: 5,
		ObservedAt:  t0.Add(10 * time.Second),
	}
	process(t, eng, bare)

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, sess.PeakPlayers)
	assert.Equal(t, 2, sess.SurvivorCount)
	assert.Equal(t, 2, st.Counts().Players)
	assert.Equal(t, 2, st.Counts().Statuses)
}

func TestProcessSnapshot_UnknownTeamNeverFiresChange(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	noTeam := models.SnapshotPlayer{PlayerKey: "p", Name: "P", Score: 0}
	process(t, eng, snapshot(t0, "Farm", "Wave 1", noTeam))
	res := process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 1", human("p", 4, 0)))
	assert.Empty(t, res.TeamChanges)

	res = process(t, eng, snapshot(t0.Add(20*time.Second), "Farm", "Wave 1", noTeam))
	assert.Empty(t, res.TeamChanges)
	assert.Zero(t, st.Counts().TeamChanges)
	assert.Equal(t, 1, st.Counts().Stints)
}

func TestProcessSnapshot_ScoreHistoryThreshold(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0)))
	assert.Equal(t, 1, st.Counts().ScoreHistory)

	process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 1", human("p", 4, 5)))
	assert.Equal(t, 1, st.Counts().ScoreHistory, "a jump of 5 is noise")

	process(t, eng, snapshot(t0.Add(20*time.Second), "Farm", "Wave 1", human("p", 4, 11)))
	assert.Equal(t, 2, st.Counts().ScoreHistory)

	process(t, eng, snapshot(t0.Add(30*time.Second), "Farm", "Wave 1", human("p", 4, 2)))
	assert.Equal(t, 3, st.Counts().ScoreHistory, "drops beyond the threshold are logged too")
}

func TestProcessSnapshot_BotsAreNotAggregated(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0), bot("Zed", 3, 0)))
	process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 1", human("p", 4, 3), bot("Zed", 3, 9)))
	process(t, eng, snapshot(t0.Add(20*time.Second), "City", "Wave 1", human("p", 4, 0)))

	_, err := st.PlayerProfile(ctx, "bot_Zed_3")
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err := st.PlayerProfile(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Stats.TotalScore)
}

func TestProcessSnapshot_TeamNamesFromFeed(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	snap := snapshot(t0, "Farm", "Wave 1", human("p", 4, 0))
	snap.TeamNames[4] = "Survivors"
	process(t, eng, snap)

	next := snapshot(t0.Add(10*time.Second), "Farm", "Wave 1", human("p", 4, 8))
	next.TeamNames[4] = "Survivors"
	process(t, eng, next)
	process(t, eng, snapshot(t0.Add(20*time.Second), "City", "Wave 1", human("p", 4, 0)))

	p, err := st.PlayerProfile(ctx, "p")
	require.NoError(t, err)
	require.Len(t, p.Teams, 1)
	assert.Equal(t, "Survivors", p.Teams[0].TeamName)
	assert.Equal(t, int64(8), p.Teams[0].Score)
}

func TestProcessSnapshot_RollsBackOnStoreFailure(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	st.FailNext(assert.AnError)
	_, err := eng.ProcessSnapshot(context.Background(), snapshot(t0, "Farm", "Wave 1", human("p", 4, 0)))
	require.Error(t, err)
	assert.Zero(t, st.Counts().Sessions)

	res := process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 1", human("p", 4, 0)))
	assert.True(t, res.Opened)
}

func TestEndSession(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	ctx := context.Background()

	id := process(t, eng, snapshot(t0, "Farm", "Wave 4", human("p", 4, 0))).SessionID
	clock.now = t0.Add(time.Minute)

	closed, err := eng.EndSession(ctx, id, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, "Loss - Ended on Wave 4 - Manual End: maintenance", closed.Result)
	assert.Equal(t, 1, closed.Fold.Players)

	ends, err := st.WaveEnds(ctx, id)
	require.NoError(t, err)
	require.Len(t, ends, 1)
	assert.Equal(t, "Manual End: maintenance", ends[0].Reason)
	assert.Equal(t, 4, ends[0].Wave)

	_, err = eng.EndSession(ctx, id, "again")
	assert.ErrorIs(t, err, ErrSessionNotActive)

	_, err = eng.EndSession(ctx, 9999, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessSnapshot_ClosesDuplicateActiveSessions(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	first := process(t, eng, snapshot(t0, "Farm", "Wave 3", human("p", 4, 0)))
	dupID := st.SeedSession(models.Session{
		ServerID:  first.ServerID,
		MapName:   "Farm",
		StartedAt: t0.Add(-time.Hour),
		Wave:      models.Some(2),
		Active:    true,
	})

	res := process(t, eng, snapshot(t0.Add(10*time.Second), "Farm", "Wave 3", human("p", 4, 5)))
	require.Len(t, res.Closed, 1)
	assert.Equal(t, dupID, res.Closed[0].SessionID)
	assert.Equal(t, "Loss - Ended on Wave 2 - Duplicate Active Session", res.Closed[0].Result)
	assert.Equal(t, first.SessionID, res.SessionID)
	assert.False(t, res.Opened)

	dup, err := st.GetSession(ctx, dupID)
	require.NoError(t, err)
	assert.False(t, dup.Active)
	assert.True(t, dup.FoldedAt.Valid)

	active, err := st.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.SessionID, active[0].ID)
}

func TestProcessSnapshot_ActiveSessionWithEndTimeIsReplaced(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	ctx := context.Background()

	first := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0)))
	_, err := eng.EndSession(ctx, first.SessionID, "")
	require.NoError(t, err)

	endedAt := t0.Add(time.Minute)
	staleID := st.SeedSession(models.Session{
		ServerID:  first.ServerID,
		MapName:   "Farm",
		StartedAt: t0.Add(30 * time.Second),
		EndedAt:   models.Some(endedAt),
		Wave:      models.Some(3),
		Active:    true,
	})

	clock.now = t0.Add(5 * time.Minute)
	res := process(t, eng, snapshot(t0.Add(5*time.Minute), "Farm", "Wave 3", human("p", 4, 10)))
	require.Len(t, res.Closed, 1)
	assert.Equal(t, staleID, res.Closed[0].SessionID)
	assert.Equal(t, "Loss - Ended on Wave 3", res.Closed[0].Result)
	assert.True(t, res.Opened)
	assert.NotEqual(t, staleID, res.SessionID)

	stale, err := st.GetSession(ctx, staleID)
	require.NoError(t, err)
	assert.False(t, stale.Active)
	assert.Equal(t, models.Some(endedAt), stale.EndedAt)
	assert.True(t, stale.FoldedAt.Valid)

	ends, err := st.WaveEnds(ctx, staleID)
	require.NoError(t, err)
	assert.Empty(t, ends)
}

// closedRowStore returns an already closed session from
// ActiveSessionsForServer, as a locking read does after a concurrent close.
type closedRowStore struct {
	*memory.Store
	closed models.Session
}

func (s *closedRowStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(&closedRowTx{Tx: tx, closed: s.closed})
	})
}

type closedRowTx struct {
	store.Tx
	closed models.Session
}

func (t *closedRowTx) ActiveSessionsForServer(ctx context.Context, serverID int64) ([]models.Session, error) {
	out, err := t.Tx.ActiveSessionsForServer(ctx, serverID)
	return append([]models.Session{t.closed}, out...), err
}

func TestProcessSnapshot_IgnoresSessionClosedConcurrently(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	first := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("p", 4, 0)))
	_, err := eng.EndSession(ctx, first.SessionID, "")
	require.NoError(t, err)
	closed, err := st.GetSession(ctx, first.SessionID)
	require.NoError(t, err)

	racing := NewEngine(&closedRowStore{Store: st, closed: *closed}, DefaultEngineConfig(), zap.NewNop().Sugar())
	res, err := racing.ProcessSnapshot(ctx, snapshot(t0.Add(time.Minute), "Farm", "Wave 1", human("p", 3, 4)))
	require.NoError(t, err)

	assert.Empty(t, res.Closed)
	assert.True(t, res.Opened)
	assert.NotEqual(t, first.SessionID, res.SessionID)

	changes, err := st.TeamChangesByKind(ctx, first.SessionID, models.ChangeDeath)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestLifecycleLogsOnlyCommittedWork(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	st := memory.New(zap.NewNop().Sugar()).WithRetryPolicy(store.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
	clock := &testClock{now: t0}
	eng := NewEngine(st, DefaultEngineConfig(), zap.New(core).Sugar()).WithClock(clock.Now)
	ctx := context.Background()
	lost := func() error { return fmt.Errorf("%w: connection reset", store.ErrTransient) }

	st.FailCommitNext(lost())
	id := process(t, eng, snapshot(t0, "Farm", "Wave 1", human("a", 4, 0), human("b", 4, 0))).SessionID

	st.FailCommitNext(lost())
	res := process(t, eng, snapshot(t0.Add(time.Minute), "Farm", "Wave 1", human("a", 4, 5), human("b", 3, 2)))
	require.Len(t, res.TeamChanges, 1)

	clock.now = t0.Add(2 * time.Minute)
	st.FailCommitNext(lost())
	_, err := eng.EndSession(ctx, id, "")
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("Session opened").Len())
	assert.Equal(t, 1, logs.FilterMessage("Session closed").Len())
	changes := logs.FilterMessage("Team change").All()
	require.Len(t, changes, 1)
	assert.Equal(t, "Player b", changes[0].ContextMap()["player"])
	assert.Equal(t, id, changes[0].ContextMap()["session_id"])
}
