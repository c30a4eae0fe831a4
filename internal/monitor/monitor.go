// Package monitor drives the polling loop: startup recovery, then one cycle
// per interval in which every listed server is processed on the worker pool.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/alerts"
	"github.com/openmohaa/session-tracker/internal/archive"
	"github.com/openmohaa/session-tracker/internal/logic"
	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/source"
	"github.com/openmohaa/session-tracker/internal/worker"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_cycles_total",
		Help: "Poll cycles by outcome",
	}, []string{"outcome"})

	activeServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_active_servers",
		Help: "Servers with at least one player in the last cycle",
	})

	activePlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_active_players",
		Help: "Players across all servers in the last cycle",
	})

	sessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_sessions_closed_total",
		Help: "Sessions closed by the lifecycle engine",
	})

	alertsReported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_alerts_reported_total",
		Help: "Death and redemption alerts reported",
	})
)

// SnapshotSource lists servers and builds per-server snapshots.
type SnapshotSource interface {
	ListServers(ctx context.Context) (map[string]source.ServerInfo, error)
	Snapshot(ctx context.Context, code string, info source.ServerInfo, minPlayers int, at time.Time) models.Snapshot
}

// Engine is the session lifecycle engine.
type Engine interface {
	ProcessSnapshot(ctx context.Context, snap models.Snapshot) (*logic.CycleResult, error)
	RecoverActiveSessions(ctx context.Context) (int, error)
}

// Runner executes one cycle's tasks and waits for all of them.
type Runner interface {
	RunCycle(ctx context.Context, tasks []worker.Task) worker.CycleReport
}

// AlertReporter reports recent deaths and redemptions.
type AlertReporter interface {
	Report(ctx context.Context, now time.Time) ([]alerts.Alert, error)
}

// StatusPublisher mirrors each server's latest state somewhere fast to read.
type StatusPublisher interface {
	Publish(ctx context.Context, snap models.Snapshot, sessionID int64) error
}

// Archiver receives one sample per server per cycle.
type Archiver interface {
	Add(s archive.Sample) bool
}

// Config holds the driver's collaborators. Reporter, Live and Archive are
// optional.
type Config struct {
	Source     SnapshotSource
	Engine     Engine
	Pool       Runner
	Reporter   AlertReporter
	Live       StatusPublisher
	Archive    Archiver
	Interval   time.Duration
	MinPlayers int
	Logger     *zap.SugaredLogger
	Tracer     trace.Tracer
	Now        func() time.Time
}

// CycleSummary describes one completed cycle.
type CycleSummary struct {
	CycleID        uuid.UUID
	Servers        int
	ActiveServers  int
	Players        int
	SessionsOpened int
	SessionsClosed int
	WaveEnds       int
	TeamChanges    int
	Failed         int
	Alerts         int
}

// Monitor is the polling driver.
type Monitor struct {
	cfg Config

	// lastSummary is the wall-clock minute of the last activity log line.
	lastSummary time.Time
}

func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/openmohaa/session-tracker/internal/monitor")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{cfg: cfg}
}

// Recover closes sessions left active by a previous run. Failures are logged;
// polling still starts.
func (m *Monitor) Recover(ctx context.Context) {
	n, err := m.cfg.Engine.RecoverActiveSessions(ctx)
	if err != nil {
		m.cfg.Logger.Errorw("Startup recovery incomplete",
			"op", "recover",
			"recovered", n,
			"error", err,
		)
		return
	}
	if n > 0 {
		m.cfg.Logger.Infow("Startup recovery complete", "recovered", n)
	}
}

// Run recovers, then polls until ctx is canceled. Cycles never overlap; a
// cycle that overruns the interval delays the next one.
func (m *Monitor) Run(ctx context.Context) error {
	m.Recover(ctx)

	m.cfg.Logger.Infow("Polling started", "interval", m.cfg.Interval)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.Cycle(ctx)

		select {
		case <-ctx.Done():
			m.cfg.Logger.Info("Polling stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one poll cycle over every listed server.
func (m *Monitor) Cycle(ctx context.Context) CycleSummary {
	sum := CycleSummary{CycleID: uuid.New()}
	at := m.cfg.Now()
	log := m.cfg.Logger.With("cycle_id", sum.CycleID.String())

	servers, err := m.cfg.Source.ListServers(ctx)
	if err != nil {
		log.Errorw("No server list this cycle", "op", "list", "error", err)
		cyclesTotal.WithLabelValues("no_data").Inc()
		return sum
	}

	serverCodes := make([]string, 0, len(servers))
	for code, info := range servers {
		serverCodes = append(serverCodes, code)
		sum.Servers++
		sum.Players += int(info.PlayerCount)
		if info.PlayerCount > 0 {
			sum.ActiveServers++
		}
	}
	sort.Strings(serverCodes)

	var mu sync.Mutex
	tasks := make([]worker.Task, 0, len(serverCodes))
	for _, code := range serverCodes {
		code := code
		info := servers[code]
		tasks = append(tasks, worker.Task{
			Key: code,
			Run: func(ctx context.Context) error {
				res, err := m.processServer(ctx, sum.CycleID, code, info, at)
				if res != nil {
					mu.Lock()
					sum.add(res)
					mu.Unlock()
				}
				return err
			},
		})
	}

	report := m.cfg.Pool.RunCycle(ctx, tasks)
	sum.Failed = report.Failed + report.Dropped

	activeServers.Set(float64(sum.ActiveServers))
	activePlayers.Set(float64(sum.Players))
	if sum.Failed > 0 {
		cyclesTotal.WithLabelValues("partial").Inc()
	} else {
		cyclesTotal.WithLabelValues("ok").Inc()
	}

	m.logActivity(log, at, sum)

	if m.cfg.Reporter != nil {
		reported, err := m.cfg.Reporter.Report(ctx, at)
		if err != nil {
			log.Errorw("Failed to report recent events", "op", "alerts", "error", err)
		}
		sum.Alerts = len(reported)
		alertsReported.Add(float64(len(reported)))
	}

	log.Debugw("Cycle complete",
		"servers", sum.Servers,
		"failed", sum.Failed,
		"duration", report.Duration,
	)
	return sum
}

func (s *CycleSummary) add(res *logic.CycleResult) {
	if res.Opened {
		s.SessionsOpened++
	}
	s.SessionsClosed += len(res.Closed)
	s.WaveEnds += res.WaveEnds
	s.TeamChanges += len(res.TeamChanges)
}

func (m *Monitor) processServer(ctx context.Context, cycleID uuid.UUID, code string, info source.ServerInfo, at time.Time) (*logic.CycleResult, error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "monitor.processServer", trace.WithAttributes(
		attribute.String("server.code", code),
		attribute.String("cycle.id", cycleID.String()),
		attribute.Int("server.players", int(info.PlayerCount)),
	))
	defer span.End()

	snap := m.cfg.Source.Snapshot(ctx, code, info, m.cfg.MinPlayers, at)
	span.SetAttributes(attribute.Bool("snapshot.details", snap.HasDetails()))

	res, err := m.cfg.Engine.ProcessSnapshot(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process snapshot")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("session.id", res.SessionID))
	sessionsClosed.Add(float64(len(res.Closed)))

	if m.cfg.Live != nil {
		if err := m.cfg.Live.Publish(ctx, snap, res.SessionID); err != nil {
			m.cfg.Logger.Warnw("Failed to publish live status",
				"server", code,
				"session_id", res.SessionID,
				"op", "live",
				"error", err,
			)
		}
	}
	if m.cfg.Archive != nil {
		wave := -1
		if w, ok := logic.ParseWave(snap.WaveText).Get(); ok {
			wave = w
		}
		m.cfg.Archive.Add(archive.Sample{
			ObservedAt:  at,
			CycleID:     cycleID,
			ServerCode:  code,
			ServerName:  snap.ServerName,
			MapName:     snap.MapName,
			PlayerCount: snap.PlayerCount,
			MaxPlayers:  snap.MaxPlayers,
			WaveText:    snap.WaveText.OrElse(""),
			Wave:        wave,
			SessionID:   res.SessionID,
		})
	}
	return res, nil
}

// logActivity logs the active server and player totals at most once per
// wall-clock minute, and only when something is active.
func (m *Monitor) logActivity(log *zap.SugaredLogger, at time.Time, sum CycleSummary) {
	minute := at.Truncate(time.Minute)
	if minute.Equal(m.lastSummary) {
		return
	}
	m.lastSummary = minute
	if sum.ActiveServers > 0 {
		log.Infow("Active servers",
			"servers", sum.ActiveServers,
			"players", sum.Players,
		)
	}
}
