package logic

import (
	"context"
	"fmt"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

// RecoverActiveSessions closes every session left active by a previous
// process as "Incomplete - Server Restart". It must finish before the first
// poll cycle. A failing session is logged and skipped; the returned error
// reports how many failed.
func (e *Engine) RecoverActiveSessions(ctx context.Context) (int, error) {
	active, err := e.store.ActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	recovered, failed := 0, 0
	for _, s := range active {
		e.logger.Infow("Found previously active session on startup, marking as ended",
			"server", s.ServerName,
			"session_id", s.ID,
			"map", s.MapName,
		)
		if _, err := e.FinalizeSession(ctx, s.ID); err != nil {
			e.logger.Errorw("Failed to finalize session on startup",
				"server", s.ServerName,
				"session_id", s.ID,
				"op", "recover",
				"error", err,
			)
			failed++
			continue
		}
		recovered++
	}
	if failed > 0 {
		return recovered, fmt.Errorf("%d of %d sessions could not be recovered", failed, len(active))
	}
	return recovered, nil
}

// FinalizeSession closes a session as interrupted by a restart and folds it.
// It is safe to run again: a closed session is only folded if it never was.
func (e *Engine) FinalizeSession(ctx context.Context, sessionID int64) (*ClosedSession, error) {
	at := e.now()

	var (
		closed *ClosedSession
		res    *CycleResult
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		res = nil
		s, err := tx.Session(ctx, sessionID)
		if err != nil {
			return err
		}

		if s.Active {
			res = &CycleResult{}
			if err := e.closeSession(ctx, tx, s.ServerName, s, models.ResultServerRestart,
				models.ReasonServerRestart, models.Some(s.Wave.OrElse(0)), at, res); err != nil {
				return err
			}
			closed = &res.Closed[0]
			return nil
		}

		fold, _, err := FoldSession(ctx, tx, s.ID, e.cfg.TeamNames, at)
		if err != nil {
			return err
		}
		closed = &ClosedSession{SessionID: s.ID, Result: s.Result.OrElse(""), Fold: fold}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logCommitted(res)
	return closed, nil
}
