package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

// RecordPresence opens the stint for (player, session, team) at score, or
// refreshes its final score if it already exists.
func RecordPresence(ctx context.Context, tx store.Tx, playerRecordID, sessionID int64, team, score int, at time.Time) error {
	stint, err := tx.Stint(ctx, playerRecordID, sessionID, team)
	if errors.Is(err, store.ErrNotFound) {
		return tx.InsertStint(ctx, &models.TeamScoreStint{
			PlayerRecordID: playerRecordID,
			SessionID:      sessionID,
			TeamID:         team,
			InitialScore:   score,
			FinalScore:     score,
			FirstSeen:      at,
			LastUpdated:    at,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to load stint: %w", err)
	}

	stint.FinalScore = score
	stint.LastUpdated = at
	return tx.UpdateStint(ctx, stint)
}

// SwitchTeam freezes the stint on oldTeam at score and enters newTeam.
// Re-entering a team held earlier in the session resumes that stint, shifted
// so score earned while away is not credited to it.
func SwitchTeam(ctx context.Context, tx store.Tx, playerRecordID, sessionID int64, oldTeam, newTeam, score int, at time.Time) error {
	old, err := tx.Stint(ctx, playerRecordID, sessionID, oldTeam)
	switch {
	case err == nil:
		old.FinalScore = score
		old.LastUpdated = at
		if err := tx.UpdateStint(ctx, old); err != nil {
			return fmt.Errorf("failed to freeze stint: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to load stint: %w", err)
	}

	next, err := tx.Stint(ctx, playerRecordID, sessionID, newTeam)
	if errors.Is(err, store.ErrNotFound) {
		return RecordPresence(ctx, tx, playerRecordID, sessionID, newTeam, score, at)
	}
	if err != nil {
		return fmt.Errorf("failed to load stint: %w", err)
	}

	next.InitialScore += score - next.FinalScore
	next.FinalScore = score
	next.LastUpdated = at
	return tx.UpdateStint(ctx, next)
}

// SessionScoreEarned sums the per-team contributions of one player in one
// session. Negative stint deltas count as zero.
func SessionScoreEarned(ctx context.Context, tx store.Tx, playerRecordID, sessionID int64) (int, error) {
	stints, err := tx.PlayerStints(ctx, playerRecordID, sessionID)
	if err != nil {
		return 0, err
	}
	return sumEarned(stints), nil
}

func sumEarned(stints []models.TeamScoreStint) int {
	total := 0
	for _, s := range stints {
		total += s.Earned()
	}
	return total
}
