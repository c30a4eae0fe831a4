package logic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

// ErrSessionNotActive is returned when ending a session that is already closed.
var ErrSessionNotActive = errors.New("session is not active")

// EngineConfig holds the tunables of the session state machine.
type EngineConfig struct {
	SessionTimeout       time.Duration
	MinPlayersForSession int
	TerminalWave         int
	SurvivorTeam         int
	OpposingTeam         int
	ScoreNoiseThreshold  int
	Transitions          TransitionTable
	TeamNames            TeamNames
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SessionTimeout:       15 * time.Minute,
		MinPlayersForSession: 1,
		TerminalWave:         6,
		SurvivorTeam:         4,
		OpposingTeam:         3,
		ScoreNoiseThreshold:  5,
		Transitions:          DefaultTransitionTable(),
		TeamNames:            DefaultTeamNames(),
	}
}

// ClosedSession describes a session closed during a cycle.
type ClosedSession struct {
	SessionID int64      `json:"session_id"`
	Result    string     `json:"result"`
	Fold      FoldResult `json:"fold"`

	server string
}

// CycleResult is what one snapshot changed for its server.
type CycleResult struct {
	ServerID    int64
	SessionID   int64 // 0 when no session is open
	Opened      bool
	Closed      []ClosedSession
	WaveEnds    int
	TeamChanges []models.TeamChangeEvent

	server        string
	mapName       string
	changePlayers []string // player names, aligned with TeamChanges
}

// Engine infers session boundaries, wave ends and team changes from
// consecutive snapshots of a server.
type Engine struct {
	store  store.Store
	cfg    EngineConfig
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewEngine(st store.Store, cfg EngineConfig, logger *zap.SugaredLogger) *Engine {
	if cfg.Transitions == nil {
		cfg.Transitions = DefaultTransitionTable()
	}
	if cfg.TeamNames == nil {
		cfg.TeamNames = DefaultTeamNames()
	}
	return &Engine{store: st, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// ProcessSnapshot runs one cycle for one server: the session decision, the
// status log and player processing commit together or not at all.
func (e *Engine) ProcessSnapshot(ctx context.Context, snap models.Snapshot) (*CycleResult, error) {
	at := snap.ObservedAt
	if at.IsZero() {
		at = e.now()
	}

	var res *CycleResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		res = &CycleResult{}
		return e.processCycle(ctx, tx, snap, at, res)
	})
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", snap.ServerCode, err)
	}
	e.logCommitted(res)
	return res, nil
}

// logCommitted logs what a cycle changed. A transaction body may run more than
// once, so it is only called after commit.
func (e *Engine) logCommitted(res *CycleResult) {
	if res == nil {
		return
	}
	for _, c := range res.Closed {
		e.logger.Infow("Session closed",
			"server", c.server,
			"session_id", c.SessionID,
			"result", c.Result,
			"players_folded", c.Fold.Players,
			"deaths", c.Fold.Deaths,
			"redeems", c.Fold.Redeems,
		)
	}
	if res.Opened {
		e.logger.Infow("Session opened",
			"server", res.server,
			"session_id", res.SessionID,
			"map", res.mapName,
		)
	}
	for i, ev := range res.TeamChanges {
		e.logger.Infow("Team change",
			"session_id", ev.SessionID,
			"player", res.changePlayers[i],
			"kind", ev.Kind,
			"from_team", ev.OldTeam,
			"to_team", ev.NewTeam,
			"wave", ev.Wave.OrElse(0),
		)
	}
}

func (e *Engine) processCycle(ctx context.Context, tx store.Tx, snap models.Snapshot, at time.Time, res *CycleResult) error {
	serverID, err := tx.UpsertServer(ctx, snap.ServerCode, snap.ServerName, at)
	if err != nil {
		return err
	}
	res.ServerID = serverID
	res.server = snap.ServerCode

	active, err := tx.ActiveSessionsForServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	// A concurrent manual end may have closed a row between listing and locking.
	active = slices.DeleteFunc(active, func(s models.Session) bool { return !s.Active })

	var cur *models.Session
	if len(active) > 0 {
		cur = &active[0]
		for i := range active[1:] {
			dup := active[1+i]
			e.logger.Warnw("Closing duplicate active session",
				"server", snap.ServerCode,
				"session_id", dup.ID,
				"kept_session_id", cur.ID,
			)
			result := withSuffix(DetermineSessionResult(dup, dup.Wave, e.cfg.TerminalWave), "Duplicate Active Session")
			if err := e.closeSession(ctx, tx, snap.ServerCode, &dup, result, "", models.None[int](), at, res); err != nil {
				return err
			}
		}
	}

	wave := ParseWave(snap.WaveText)
	if cur != nil {
		if cur, err = e.decide(ctx, tx, snap, cur, wave, at, res); err != nil {
			return err
		}
	}

	if cur == nil {
		if snap.PlayerCount < e.cfg.MinPlayersForSession {
			return nil
		}
		if cur, err = e.openSession(ctx, tx, serverID, snap, wave, at); err != nil {
			return err
		}
		res.Opened = true
		res.mapName = cur.MapName
	} else {
		cur.WaveText = snap.WaveText
		cur.Wave = wave
		cur.PeakPlayers = max(cur.PeakPlayers, snap.PlayerCount)
		if snap.TeamCounts != nil {
			cur.SurvivorCount = snap.TeamCounts[e.cfg.SurvivorTeam]
			cur.OpposingCount = snap.TeamCounts[e.cfg.OpposingTeam]
		}
		if err := tx.UpdateSessionProgress(ctx, cur); err != nil {
			return err
		}
	}
	res.SessionID = cur.ID

	if err := tx.InsertStatus(ctx, &models.StatusRecord{
		SessionID:   cur.ID,
		Timestamp:   at,
		PlayerCount: snap.PlayerCount,
		WaveText:    snap.WaveText,
		Wave:        wave,
	}); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}

	if err := e.saveTeamStatus(ctx, tx, cur.ID, snap, at); err != nil {
		return err
	}

	for _, p := range snap.Players {
		if err := e.processPlayer(ctx, tx, cur, p, at, res); err != nil {
			return fmt.Errorf("player %s: %w", p.PlayerKey, err)
		}
	}
	return nil
}

// decide applies the boundary rules to the current active session. It
// returns nil when the session was closed.
func (e *Engine) decide(ctx context.Context, tx store.Tx, snap models.Snapshot, cur *models.Session, wave models.Optional[int], at time.Time, res *CycleResult) (*models.Session, error) {
	prev := cur.Wave

	if cur.MapName != snap.MapName {
		e.logger.Infow("Map change detected",
			"server", snap.ServerCode,
			"session_id", cur.ID,
			"from", cur.MapName,
			"to", snap.MapName,
		)
		result := withSuffix(DetermineSessionResult(*cur, prev, e.cfg.TerminalWave), models.ReasonMapChanged)
		return nil, e.closeSession(ctx, tx, snap.ServerCode, cur, result, models.ReasonMapChanged, models.Some(prev.OrElse(0)), at, res)
	}

	if cur.EndedAt.Valid {
		e.logger.Warnw("Active session already has an end time, closing it",
			"server", snap.ServerCode,
			"session_id", cur.ID,
		)
		result := cur.Result.OrElse(DetermineSessionResult(*cur, prev, e.cfg.TerminalWave))
		return nil, e.closeSession(ctx, tx, snap.ServerCode, cur, result, "", models.None[int](), at, res)
	}

	p, prevOK := prev.Get()
	c, curOK := wave.Get()

	if prevOK && curOK {
		switch {
		case c < p:
			seen, err := tx.CountStatusAtWave(ctx, cur.ID, c)
			if err != nil {
				return nil, fmt.Errorf("failed to count status at wave %d: %w", c, err)
			}
			if seen > 0 || c == 1 {
				e.logger.Infow("Round restart detected",
					"server", snap.ServerCode,
					"session_id", cur.ID,
					"from_wave", p,
					"to_wave", c,
				)
				result := withSuffix(DetermineSessionResult(*cur, prev, e.cfg.TerminalWave), models.ReasonRoundRestarted)
				return nil, e.closeSession(ctx, tx, snap.ServerCode, cur, result, models.ReasonRoundRestarted, prev, at, res)
			}
			e.logger.Infow("Wave reset without restart",
				"server", snap.ServerCode,
				"session_id", cur.ID,
				"from_wave", p,
				"to_wave", c,
			)
		case c > p:
			if p > 0 {
				created, err := CaptureSnapshot(ctx, tx, cur.ID, prev, models.ReasonWaveCompleted, at)
				if err != nil {
					return nil, err
				}
				if created {
					res.WaveEnds++
				}
			}
			e.logger.Infow("Wave progression",
				"server", snap.ServerCode,
				"session_id", cur.ID,
				"from_wave", p,
				"to_wave", c,
			)
		}
		return cur, nil
	}

	last, err := tx.LastActiveStatusTime(ctx, cur.ID)
	if errors.Is(err, store.ErrNotFound) {
		return cur, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last active status: %w", err)
	}
	if at.Sub(last) > e.cfg.SessionTimeout {
		e.logger.Infow("Session inactive, timing out",
			"server", snap.ServerCode,
			"session_id", cur.ID,
			"last_active", last,
		)
		return nil, e.closeSession(ctx, tx, snap.ServerCode, cur, models.ResultTimeout, models.ReasonTimeout, models.Some(prev.OrElse(0)), at, res)
	}
	return cur, nil
}

// closeSession closes s with result, optionally captures a wave-end snapshot
// and folds the session into the aggregates.
func (e *Engine) closeSession(ctx context.Context, tx store.Tx, server string, s *models.Session, result, reason string, wave models.Optional[int], at time.Time, res *CycleResult) error {
	if err := tx.CloseSession(ctx, s.ID, at, result); err != nil {
		return err
	}
	if reason != "" {
		created, err := CaptureSnapshot(ctx, tx, s.ID, wave, reason, at)
		if err != nil {
			return err
		}
		if created {
			res.WaveEnds++
		}
	}
	fold, _, err := FoldSession(ctx, tx, s.ID, e.cfg.TeamNames, at)
	if err != nil {
		return fmt.Errorf("failed to fold session %d: %w", s.ID, err)
	}
	res.Closed = append(res.Closed, ClosedSession{SessionID: s.ID, Result: result, Fold: fold, server: server})
	return nil
}

func (e *Engine) openSession(ctx context.Context, tx store.Tx, serverID int64, snap models.Snapshot, wave models.Optional[int], at time.Time) (*models.Session, error) {
	s := &models.Session{
		ServerID:    serverID,
		ServerName:  snap.ServerName,
		MapName:     snap.MapName,
		StartedAt:   at,
		WaveText:    snap.WaveText,
		Wave:        wave,
		MaxPlayers:  snap.MaxPlayers,
		PeakPlayers: snap.PlayerCount,
		Active:      true,
	}
	if snap.TeamCounts != nil {
		s.SurvivorCount = snap.TeamCounts[e.cfg.SurvivorTeam]
		s.OpposingCount = snap.TeamCounts[e.cfg.OpposingTeam]
	}
	if err := tx.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) saveTeamStatus(ctx context.Context, tx store.Tx, sessionID int64, snap models.Snapshot, at time.Time) error {
	if snap.TeamCounts == nil {
		return nil
	}
	teams := make([]int, 0, len(snap.TeamCounts))
	for id := range snap.TeamCounts {
		teams = append(teams, id)
	}
	sort.Ints(teams)

	for _, id := range teams {
		name := snap.TeamNames[id]
		if name == "" {
			name = e.cfg.TeamNames.Name(id)
		}
		if err := tx.InsertTeamStatus(ctx, &models.TeamStatus{
			SessionID:   sessionID,
			Timestamp:   at,
			TeamID:      id,
			TeamName:    name,
			PlayerCount: snap.TeamCounts[id],
			TotalScore:  snap.TeamScores[id],
		}); err != nil {
			return fmt.Errorf("failed to save team status: %w", err)
		}
	}
	return nil
}

func (e *Engine) processPlayer(ctx context.Context, tx store.Tx, sess *models.Session, p models.SnapshotPlayer, at time.Time, res *CycleResult) error {
	rec, err := tx.PlayerRecord(ctx, sess.ID, p.PlayerKey)
	if errors.Is(err, store.ErrNotFound) {
		rec = &models.PlayerRecord{
			SessionID:    sess.ID,
			PlayerKey:    p.PlayerKey,
			PlayerName:   p.Name,
			TeamID:       p.TeamID,
			CurrentScore: p.Score,
			InitialScore: p.Score,
			HighestScore: p.Score,
			FirstSeen:    at,
			LastSeen:     at,
			IsBot:        p.IsBot,
		}
		if err := tx.InsertPlayerRecord(ctx, rec); err != nil {
			return err
		}
		if err := tx.InsertScoreHistory(ctx, models.ScoreHistory{PlayerRecordID: rec.ID, Timestamp: at, Score: p.Score}); err != nil {
			return err
		}
		if team, ok := p.TeamID.Get(); ok {
			return RecordPresence(ctx, tx, rec.ID, sess.ID, team, p.Score, at)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load player record: %w", err)
	}

	if kind, fired := e.cfg.Transitions.ClassifyOptional(rec.TeamID, p.TeamID); fired {
		ev := models.TeamChangeEvent{
			PlayerRecordID: rec.ID,
			SessionID:      sess.ID,
			OldTeam:        rec.TeamID.Value,
			NewTeam:        p.TeamID.Value,
			Timestamp:      at,
			WaveText:       sess.WaveText,
			Wave:           sess.Wave,
			Kind:           kind,
			ScoreAtChange:  p.Score,
		}
		if err := tx.InsertTeamChange(ctx, &ev); err != nil {
			return err
		}
		if err := SwitchTeam(ctx, tx, rec.ID, sess.ID, ev.OldTeam, ev.NewTeam, p.Score, at); err != nil {
			return err
		}
		res.TeamChanges = append(res.TeamChanges, ev)
		res.changePlayers = append(res.changePlayers, p.Name)
	} else if team, ok := p.TeamID.Get(); ok {
		if err := RecordPresence(ctx, tx, rec.ID, sess.ID, team, p.Score, at); err != nil {
			return err
		}
	}

	if p.Score != rec.CurrentScore {
		delta := p.Score - rec.CurrentScore
		if delta > e.cfg.ScoreNoiseThreshold || -delta > e.cfg.ScoreNoiseThreshold {
			if err := tx.InsertScoreHistory(ctx, models.ScoreHistory{PlayerRecordID: rec.ID, Timestamp: at, Score: p.Score}); err != nil {
				return err
			}
		}
		rec.CurrentScore = p.Score
		rec.HighestScore = max(rec.HighestScore, p.Score)
	}
	if p.Name != "" {
		rec.PlayerName = p.Name
	}
	rec.TeamID = p.TeamID
	rec.LastSeen = at
	return tx.UpdatePlayerRecord(ctx, rec)
}

// EndSession closes an active session on request, recording note in its
// result and wave-end reason.
func (e *Engine) EndSession(ctx context.Context, sessionID int64, note string) (*ClosedSession, error) {
	reason := models.ReasonManualEnd
	if note != "" {
		reason += ": " + note
	}
	at := e.now()

	var res *CycleResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		res = &CycleResult{}
		s, err := tx.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		if !s.Active {
			return ErrSessionNotActive
		}
		result := withSuffix(DetermineSessionResult(*s, s.Wave, e.cfg.TerminalWave), reason)
		return e.closeSession(ctx, tx, s.ServerName, s, result, reason, s.Wave, at, res)
	})
	if err != nil {
		return nil, err
	}
	e.logCommitted(res)
	return &res.Closed[0], nil
}
