package logic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

// snapshotKey normalizes an unknown wave to 0. Reasons that describe the end
// of the whole session keep their text; anything else becomes "Game Start".
func snapshotKey(wave models.Optional[int], reason string) (int, string) {
	if w, ok := wave.Get(); ok {
		return w, reason
	}
	switch {
	case reason == models.ReasonTimeout, reason == models.ReasonServerRestart:
	case strings.HasPrefix(reason, models.ReasonManualEnd):
	default:
		reason = models.ReasonGameStart
	}
	return 0, reason
}

// CaptureSnapshot records the session's current leaderboard as a wave-end
// snapshot. It is a no-op if (session, wave, reason) was already captured and
// reports whether a snapshot was written.
func CaptureSnapshot(ctx context.Context, tx store.Tx, sessionID int64, wave models.Optional[int], reason string, at time.Time) (bool, error) {
	w, reason := snapshotKey(wave, reason)

	exists, err := tx.WaveEndExists(ctx, sessionID, w, reason)
	if err != nil {
		return false, fmt.Errorf("failed to check wave end: %w", err)
	}
	if exists {
		return false, nil
	}

	snap := &models.WaveEndSnapshot{SessionID: sessionID, Wave: w, Timestamp: at, Reason: reason}
	if err := tx.InsertWaveEnd(ctx, snap); err != nil {
		return false, err
	}

	players, err := tx.SessionPlayers(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to load session players: %w", err)
	}
	scores := make([]models.PlayerWaveScore, 0, len(players))
	for _, p := range players {
		scores = append(scores, models.PlayerWaveScore{
			WaveEndID:      snap.ID,
			PlayerRecordID: p.ID,
			PlayerKey:      p.PlayerKey,
			PlayerName:     p.PlayerName,
			TeamID:         p.TeamID,
			Score:          p.CurrentScore,
			IsBot:          p.IsBot,
		})
	}
	if err := tx.InsertPlayerWaveScores(ctx, scores); err != nil {
		return false, err
	}
	return true, nil
}
