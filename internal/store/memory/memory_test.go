package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return New(zap.NewNop().Sugar()).WithRetryPolicy(store.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
}

func seedSession(t *testing.T, s *Store, code string, started time.Time) int64 {
	t.Helper()
	var id int64
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		srv, err := tx.UpsertServer(context.Background(), code, "Server "+code, started)
		if err != nil {
			return err
		}
		sess := &models.Session{ServerID: srv, MapName: "obj_team2", StartedAt: started, Active: true}
		if err := tx.CreateSession(context.Background(), sess); err != nil {
			return err
		}
		id = sess.ID
		return nil
	})
	require.NoError(t, err)
	return id
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := newTestStore()
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.UpsertServer(context.Background(), "a", "A", t0)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	active, err := s.ActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)

	// the server id from the failed tx must not be visible either
	err = s.InTx(context.Background(), func(tx store.Tx) error {
		id, err := tx.UpsertServer(context.Background(), "a", "A", t0)
		assert.Equal(t, int64(1), id)
		return err
	})
	require.NoError(t, err)
}

func TestInTx_RetriesInjectedTransientFailure(t *testing.T) {
	s := newTestStore()
	s.FailNext(fmt.Errorf("%w: deadlock", store.ErrTransient))

	calls := 0
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestInTx_RollbackDiscardsAppendedRows(t *testing.T) {
	s := newTestStore()
	id := seedSession(t, s, "a", t0)
	ctx := context.Background()
	insert := func(at time.Time, players int) func(tx store.Tx) error {
		return func(tx store.Tx) error {
			return tx.InsertStatus(ctx, &models.StatusRecord{SessionID: id, Timestamp: at, PlayerCount: players})
		}
	}

	require.NoError(t, s.InTx(ctx, insert(t0, 2)))
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, insert(t0.Add(time.Minute), 3)(tx))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.Counts().Statuses)

	// the next commit reuses the abandoned slot
	require.NoError(t, s.InTx(ctx, insert(t0.Add(2*time.Minute), 0)))
	assert.Equal(t, 2, s.Counts().Statuses)
	err = s.InTx(ctx, func(tx store.Tx) error {
		last, err := tx.LastActiveStatusTime(ctx, id)
		assert.Equal(t, t0, last)
		return err
	})
	require.NoError(t, err)
}

func TestInTx_LostCommitIsRetried(t *testing.T) {
	s := newTestStore()
	s.FailCommitNext(fmt.Errorf("%w: connection reset", store.ErrTransient))

	calls := 0
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		calls++
		_, err := tx.UpsertServer(context.Background(), "a", "A", t0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	err = s.InTx(context.Background(), func(tx store.Tx) error {
		id, err := tx.UpsertServer(context.Background(), "a", "A", t0)
		assert.Equal(t, int64(1), id)
		return err
	})
	require.NoError(t, err)
}

func TestInTx_PermanentInjectedFailure(t *testing.T) {
	s := newTestStore()
	boom := errors.New("constraint")
	s.FailNext(boom)

	err := s.InTx(context.Background(), func(tx store.Tx) error { return nil })
	require.ErrorIs(t, err, boom)
}

func TestCreateSession_RejectsSecondActive(t *testing.T) {
	s := newTestStore()
	first := seedSession(t, s, "srv", t0)
	require.NotZero(t, first)

	err := s.InTx(context.Background(), func(tx store.Tx) error {
		srv, _ := tx.UpsertServer(context.Background(), "srv", "", t0)
		return tx.CreateSession(context.Background(), &models.Session{ServerID: srv, StartedAt: t0.Add(time.Minute), Active: true})
	})
	require.Error(t, err)
	assert.Equal(t, 1, s.Counts().Sessions)
}

func TestActiveSessionsForServer_NewestFirst(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var older, newer int64
	err := s.InTx(ctx, func(tx store.Tx) error {
		srv, _ := tx.UpsertServer(ctx, "srv", "Srv", t0)
		a := &models.Session{ServerID: srv, StartedAt: t0, Active: false}
		b := &models.Session{ServerID: srv, StartedAt: t0.Add(time.Hour), Active: true}
		if err := tx.CreateSession(ctx, a); err != nil {
			return err
		}
		if err := tx.CreateSession(ctx, b); err != nil {
			return err
		}
		older, newer = a.ID, b.ID
		return nil
	})
	require.NoError(t, err)

	// force the older one active to simulate a leftover duplicate
	s.st.sessions[older] = func() models.Session { x := s.st.sessions[older]; x.Active = true; return x }()

	err = s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.ActiveSessionsForServer(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newer, got[0].ID)
		assert.Equal(t, older, got[1].ID)
		assert.Equal(t, "Srv", got[0].ServerName)
		return nil
	})
	require.NoError(t, err)
}

func TestCloseSession_KeepsExistingEndTime(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	id := seedSession(t, s, "srv", t0)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.CloseSession(ctx, id, t0.Add(time.Hour), "Loss - Ended on Wave 2")
	}))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.CloseSession(ctx, id, t0.Add(2*time.Hour), "Loss - Ended on Wave 2 - Map Changed")
	}))

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, t0.Add(time.Hour), got.EndedAt.Value)
	assert.Equal(t, "Loss - Ended on Wave 2 - Map Changed", got.Result.Value)
}

func TestMarkSessionFolded_OnlyOnce(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	id := seedSession(t, s, "srv", t0)

	var first, second bool
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		var err error
		first, err = tx.MarkSessionFolded(ctx, id, t0)
		return err
	}))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		var err error
		second, err = tx.MarkSessionFolded(ctx, id, t0)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}

func TestLastActiveStatusTime(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	id := seedSession(t, s, "srv", t0)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LastActiveStatusTime(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)

		for i, n := range []int{3, 2, 0} {
			st := &models.StatusRecord{SessionID: id, Timestamp: t0.Add(time.Duration(i) * time.Minute), PlayerCount: n}
			if err := tx.InsertStatus(ctx, st); err != nil {
				return err
			}
		}
		last, err := tx.LastActiveStatusTime(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(time.Minute), last)
		return nil
	}))
}

func TestAggregatesAccumulate(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
			if err := tx.AddPlayerTotals(ctx, "765", "Alice", 100, 60, t0); err != nil {
				return err
			}
			if err := tx.AddPlayerTeamTotals(ctx, "765", 4, "Humans", 100, 60, t0); err != nil {
				return err
			}
			if err := tx.AddPlayerDeath(ctx, "765", "Alice", 3, t0); err != nil {
				return err
			}
			return tx.AddPlayerRedeem(ctx, "765", "Alice", t0)
		}))
	}

	p, err := s.PlayerProfile(ctx, "765")
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.Stats.TotalScore)
	assert.Equal(t, int64(120), p.Stats.PlaytimeSeconds)
	assert.Equal(t, 2, p.Stats.SessionCount)
	require.Len(t, p.Teams, 1)
	assert.Equal(t, "Humans", p.Teams[0].TeamName)
	require.NotNil(t, p.Deaths)
	assert.Equal(t, 2, p.Deaths.TotalDeaths)
	assert.Equal(t, int64(6), p.Deaths.WavesSurvived)
	require.NotNil(t, p.Redeems)
	assert.Equal(t, 2, p.Redeems.TotalRedeems)

	_, err = s.PlayerProfile(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTopPlayers_SortAndLimit(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_ = tx.AddPlayerTotals(ctx, "a", "A", 10, 900, t0)
		_ = tx.AddPlayerTotals(ctx, "b", "B", 50, 100, t0)
		_ = tx.AddPlayerTotals(ctx, "c", "C", 30, 500, t0)
		return nil
	}))

	byScore, err := s.TopPlayers(ctx, models.SortByScore, 2)
	require.NoError(t, err)
	require.Len(t, byScore, 2)
	assert.Equal(t, "b", byScore[0].PlayerKey)
	assert.Equal(t, "c", byScore[1].PlayerKey)

	byTime, err := s.TopPlayers(ctx, models.SortByPlaytime, 0)
	require.NoError(t, err)
	require.Len(t, byTime, 3)
	assert.Equal(t, "a", byTime[0].PlayerKey)
}

func TestRecentTeamChanges_OnlyActiveSessions(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	live := seedSession(t, s, "live", t0)
	dead := seedSession(t, s, "dead", t0)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for _, sid := range []int64{live, dead} {
			p := &models.PlayerRecord{SessionID: sid, PlayerKey: "p", PlayerName: "P", FirstSeen: t0, LastSeen: t0}
			if err := tx.InsertPlayerRecord(ctx, p); err != nil {
				return err
			}
			ev := &models.TeamChangeEvent{PlayerRecordID: p.ID, SessionID: sid, OldTeam: 4, NewTeam: 3, Timestamp: t0.Add(time.Minute), Kind: models.ChangeDeath}
			if err := tx.InsertTeamChange(ctx, ev); err != nil {
				return err
			}
		}
		return tx.CloseSession(ctx, dead, t0.Add(time.Minute), "Loss - Timeout")
	}))

	got, err := s.RecentTeamChanges(ctx, t0, models.ChangeDeath, models.ChangeRedemption)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, live, got[0].SessionID)
	assert.Equal(t, "Server live", got[0].ServerName)
	assert.Equal(t, "P", got[0].PlayerName)
}
