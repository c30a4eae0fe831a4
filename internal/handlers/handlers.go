package handlers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/logic"
	"github.com/openmohaa/session-tracker/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxBodySize limits the size of request bodies to 64KB
const MaxBodySize = 65536

// Queries is the read-only reporting surface.
type Queries interface {
	ActiveSessions(ctx context.Context) ([]models.Session, error)
	Session(ctx context.Context, id int64) (*models.Session, error)
	PlayerProfile(ctx context.Context, playerKey string) (*models.PlayerProfile, error)
	TopPlayers(ctx context.Context, by models.PlayerSort, limit int) ([]models.PlayerAggregateStats, error)
	WaveSummaries(ctx context.Context, sessionID int64) ([]models.WaveSummary, error)
	WaveSummary(ctx context.Context, sessionID int64, wave int) (*models.WaveSummary, error)
	WaveWinners(ctx context.Context, sessionID int64, wave int) ([]models.PlayerWaveScore, error)
	TeamComposition(ctx context.Context, sessionID int64, wave models.Optional[int]) (*models.TeamComposition, error)
	PlayerWaveHistory(ctx context.Context, sessionID int64, playerKey string) ([]models.PlayerWaveHistoryEntry, error)
	SessionDeaths(ctx context.Context, sessionID int64) ([]models.TeamChangeDetail, error)
	SessionRedeems(ctx context.Context, sessionID int64) ([]models.TeamChangeDetail, error)
	RecentEvents(ctx context.Context, now time.Time, window time.Duration) ([]models.TeamChangeDetail, error)
}

// SessionEnder closes sessions on operator request.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID int64, note string) (*logic.ClosedSession, error)
}

// LiveReader reads the live server status published by the monitor.
type LiveReader interface {
	Servers(ctx context.Context, now time.Time, maxAge time.Duration) (map[string]string, error)
}

// Pinger is a dependency checked by /ready.
type Pinger func(ctx context.Context) error

type Config struct {
	Queries        Queries
	Engine         SessionEnder
	Live           LiveReader
	Checks         map[string]Pinger
	AllowedOrigins []string
	Logger         *zap.Logger
	Now            func() time.Time
}

type Handler struct {
	queries   Queries
	engine    SessionEnder
	live      LiveReader
	checks    map[string]Pinger
	origins   []string
	logger    *zap.SugaredLogger
	validator *validator.Validate
	now       func() time.Time
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		queries:   cfg.Queries,
		engine:    cfg.Engine,
		live:      cfg.Live,
		checks:    cfg.Checks,
		origins:   cfg.AllowedOrigins,
		logger:    cfg.Logger.Sugar(),
		validator: validator.New(),
		now:       cfg.Now,
	}
}
