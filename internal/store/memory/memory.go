// Package memory is an in-process Record Store. Transactions work on a copy
// of the state and swap it in on commit, so a failing operation leaves no
// partial writes behind.
//
// Transactions are serialized by one mutex. Keyed tables are copied per
// transaction, so a cycle costs O(sessions + players) and the store suits
// tests and single-host deployments, not large histories. Append-only tables
// are not copied.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

type teamAggKey struct {
	player string
	team   int
}

type state struct {
	nextID int64

	servers      map[int64]models.Server
	serverByCode map[string]int64
	sessions     map[int64]models.Session
	statuses     []models.StatusRecord
	teamStatuses []models.TeamStatus
	players      map[int64]models.PlayerRecord
	scoreHistory []models.ScoreHistory
	stints       map[int64]models.TeamScoreStint
	changes      []models.TeamChangeEvent
	waveEnds     []models.WaveEndSnapshot
	waveScores   []models.PlayerWaveScore

	aggregates map[string]models.PlayerAggregateStats
	teamAggs   map[teamAggKey]models.PlayerTeamAggregateStats
	deaths     map[string]models.PlayerDeathAggregateStats
	redeems    map[string]models.PlayerRedeemAggregateStats
}

func newState() *state {
	return &state{
		servers:      make(map[int64]models.Server),
		serverByCode: make(map[string]int64),
		sessions:     make(map[int64]models.Session),
		players:      make(map[int64]models.PlayerRecord),
		stints:       make(map[int64]models.TeamScoreStint),
		aggregates:   make(map[string]models.PlayerAggregateStats),
		teamAggs:     make(map[teamAggKey]models.PlayerTeamAggregateStats),
		deaths:       make(map[string]models.PlayerDeathAggregateStats),
		redeems:      make(map[string]models.PlayerRedeemAggregateStats),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone copies the keyed tables. Append-only tables keep their backing arrays:
// a work copy only writes past the committed length, and the mutex keeps a
// later transaction from seeing an abandoned tail.
func (s *state) clone() *state {
	return &state{
		nextID:       s.nextID,
		servers:      cloneMap(s.servers),
		serverByCode: cloneMap(s.serverByCode),
		sessions:     cloneMap(s.sessions),
		statuses:     s.statuses,
		teamStatuses: s.teamStatuses,
		players:      cloneMap(s.players),
		scoreHistory: s.scoreHistory,
		stints:       cloneMap(s.stints),
		changes:      s.changes,
		waveEnds:     s.waveEnds,
		waveScores:   s.waveScores,
		aggregates:   cloneMap(s.aggregates),
		teamAggs:     cloneMap(s.teamAggs),
		deaths:       cloneMap(s.deaths),
		redeems:      cloneMap(s.redeems),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is a store.Store backed by process memory.
type Store struct {
	mu       sync.Mutex
	st       *state
	policy   store.RetryPolicy
	logger   *zap.SugaredLogger
	failures []error
	lost     []error
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New(logger *zap.SugaredLogger) *Store {
	return &Store{
		st:     newState(),
		policy: store.DefaultRetryPolicy(),
		logger: logger,
	}
}

// WithRetryPolicy overrides the transient retry policy.
func (s *Store) WithRetryPolicy(p store.RetryPolicy) *Store {
	s.policy = p
	return s
}

// FailNext makes the next len(errs) transactions fail with the given errors
// before running their body.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// FailCommitNext makes the next len(errs) transactions run their body and then
// discard its writes, failing with the given errors as a lost commit would.
func (s *Store) FailCommitNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, errs...)
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.Retry(ctx, s.policy, s.logger, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if len(s.failures) > 0 {
			err := s.failures[0]
			s.failures = s.failures[1:]
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		work := s.st.clone()
		if err := fn(&tx{st: work}); err != nil {
			return err
		}
		if len(s.lost) > 0 {
			err := s.lost[0]
			s.lost = s.lost[1:]
			return err
		}
		s.st = work
		return nil
	})
}

func (s *Store) Close() {}

// SeedSession stores sess as given, skipping the one-active-session check.
// Tests use it to reproduce rows written by an older process or another
// writer. It returns the new session id.
func (s *Store) SeedSession(sess models.Session) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.ID = s.st.id()
	s.st.sessions[sess.ID] = sess
	return sess.ID
}

// Counts exposes table sizes for assertions in tests.
type Counts struct {
	Sessions     int
	Statuses     int
	Players      int
	ScoreHistory int
	Stints       int
	TeamChanges  int
	WaveEnds     int
	WaveScores   int
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Sessions:     len(s.st.sessions),
		Statuses:     len(s.st.statuses),
		Players:      len(s.st.players),
		ScoreHistory: len(s.st.scoreHistory),
		Stints:       len(s.st.stints),
		TeamChanges:  len(s.st.changes),
		WaveEnds:     len(s.st.waveEnds),
		WaveScores:   len(s.st.waveScores),
	}
}
