// Package store defines the Record Store contract used by the session
// lifecycle engine and the query API.
//
// Every mutation happens inside a Tx obtained from Store.InTx, so one
// logical operation (one server's cycle, one session fold) is committed or
// rolled back as a unit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks lock/contention failures that are safe to retry.
	ErrTransient = errors.New("transient store error")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Store is the durable persistence for servers, sessions and aggregates.
type Store interface {
	Reader

	// InTx runs fn inside a single transaction. Transient failures are
	// retried with backoff; fn must therefore be safe to run again.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close()
}

// Tx is the read-modify-write surface available inside a transaction.
type Tx interface {
	UpsertServer(ctx context.Context, code, name string, seenAt time.Time) (int64, error)

	// ActiveSessionsForServer returns active sessions, newest first.
	ActiveSessionsForServer(ctx context.Context, serverID int64) ([]models.Session, error)
	AllActiveSessions(ctx context.Context) ([]models.Session, error)
	Session(ctx context.Context, id int64) (*models.Session, error)
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSessionProgress(ctx context.Context, s *models.Session) error
	CloseSession(ctx context.Context, id int64, endedAt time.Time, result string) error
	// MarkSessionFolded returns false when the session was already folded.
	MarkSessionFolded(ctx context.Context, id int64, at time.Time) (bool, error)

	InsertStatus(ctx context.Context, st *models.StatusRecord) error
	CountStatusAtWave(ctx context.Context, sessionID int64, wave int) (int, error)
	// LastActiveStatusTime returns ErrNotFound if no status had players.
	LastActiveStatusTime(ctx context.Context, sessionID int64) (time.Time, error)
	InsertTeamStatus(ctx context.Context, ts *models.TeamStatus) error
	LatestTeamName(ctx context.Context, sessionID int64, teamID int) (string, error)

	PlayerRecord(ctx context.Context, sessionID int64, playerKey string) (*models.PlayerRecord, error)
	InsertPlayerRecord(ctx context.Context, p *models.PlayerRecord) error
	UpdatePlayerRecord(ctx context.Context, p *models.PlayerRecord) error
	SessionPlayers(ctx context.Context, sessionID int64) ([]models.PlayerRecord, error)
	InsertScoreHistory(ctx context.Context, h models.ScoreHistory) error

	Stint(ctx context.Context, playerRecordID, sessionID int64, teamID int) (*models.TeamScoreStint, error)
	InsertStint(ctx context.Context, s *models.TeamScoreStint) error
	UpdateStint(ctx context.Context, s *models.TeamScoreStint) error
	PlayerStints(ctx context.Context, playerRecordID, sessionID int64) ([]models.TeamScoreStint, error)

	InsertTeamChange(ctx context.Context, ev *models.TeamChangeEvent) error
	SessionTeamChanges(ctx context.Context, sessionID int64, kind models.ChangeKind) ([]models.TeamChangeDetail, error)

	WaveEndExists(ctx context.Context, sessionID int64, wave int, reason string) (bool, error)
	InsertWaveEnd(ctx context.Context, w *models.WaveEndSnapshot) error
	InsertPlayerWaveScores(ctx context.Context, scores []models.PlayerWaveScore) error

	AddPlayerTotals(ctx context.Context, key, name string, score, playtime int64, at time.Time) error
	AddPlayerTeamTotals(ctx context.Context, key string, teamID int, teamName string, score, playtime int64, at time.Time) error
	AddPlayerDeath(ctx context.Context, key, name string, wave int, at time.Time) error
	AddPlayerRedeem(ctx context.Context, key, name string, at time.Time) error
}

// Reader serves the read-only query operations.
type Reader interface {
	ActiveSessions(ctx context.Context) ([]models.Session, error)
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	PlayerProfile(ctx context.Context, playerKey string) (*models.PlayerProfile, error)
	TopPlayers(ctx context.Context, sort models.PlayerSort, limit int) ([]models.PlayerAggregateStats, error)
	WaveEnds(ctx context.Context, sessionID int64) ([]models.WaveEndSnapshot, error)
	WaveScores(ctx context.Context, waveEndID int64) ([]models.PlayerWaveScore, error)
	// LatestTeamStatuses returns the newest status row per team, ordered by team id.
	LatestTeamStatuses(ctx context.Context, sessionID int64) ([]models.TeamStatus, error)
	TeamChangesByKind(ctx context.Context, sessionID int64, kind models.ChangeKind) ([]models.TeamChangeDetail, error)
	// RecentTeamChanges returns events of the given kinds in active sessions since the cutoff, newest first.
	RecentTeamChanges(ctx context.Context, since time.Time, kinds ...models.ChangeKind) ([]models.TeamChangeDetail, error)
}
