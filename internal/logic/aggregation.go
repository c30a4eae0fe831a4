package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store"
)

// FoldResult summarizes one session fold.
type FoldResult struct {
	Players int `json:"players"`
	Deaths  int `json:"deaths"`
	Redeems int `json:"redeems"`
}

// FoldSession folds a closed session into the cross-session aggregates. The
// session's folded marker makes it run at most once per session; a second
// call reports folded=false and changes nothing.
func FoldSession(ctx context.Context, tx store.Tx, sessionID int64, names TeamNames, at time.Time) (res FoldResult, folded bool, err error) {
	first, err := tx.MarkSessionFolded(ctx, sessionID, at)
	if err != nil || !first {
		return res, false, err
	}

	if res.Players, err = FoldSessionIntoAggregates(ctx, tx, sessionID, names, at); err != nil {
		return res, false, err
	}
	if res.Deaths, res.Redeems, err = FoldDeathAndRedeemEvents(ctx, tx, sessionID, at); err != nil {
		return res, false, err
	}
	return res, true, nil
}

// FoldSessionIntoAggregates adds every human player's earned score and
// playtime in the session to their totals and per-team totals.
func FoldSessionIntoAggregates(ctx context.Context, tx store.Tx, sessionID int64, names TeamNames, at time.Time) (int, error) {
	players, err := tx.SessionPlayers(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to load session players: %w", err)
	}

	teamName := func(team int) (string, error) {
		name, err := tx.LatestTeamName(ctx, sessionID, team)
		if errors.Is(err, store.ErrNotFound) || (err == nil && name == "") {
			return names.Name(team), nil
		}
		return name, err
	}

	folded := 0
	for _, p := range players {
		if p.IsBot {
			continue
		}

		playtime := int64(p.LastSeen.Sub(p.FirstSeen) / time.Second)
		if playtime < 0 {
			playtime = 0
		}

		stints, err := tx.PlayerStints(ctx, p.ID, sessionID)
		if err != nil {
			return folded, fmt.Errorf("failed to load stints for %s: %w", p.PlayerKey, err)
		}
		earned := p.CurrentScore
		if len(stints) > 0 {
			earned = sumEarned(stints)
		}

		if err := tx.AddPlayerTotals(ctx, p.PlayerKey, p.PlayerName, int64(earned), playtime, at); err != nil {
			return folded, fmt.Errorf("failed to add totals for %s: %w", p.PlayerKey, err)
		}

		switch {
		case len(stints) > 0:
			share := playtime / int64(len(stints))
			for _, s := range stints {
				name, err := teamName(s.TeamID)
				if err != nil {
					return folded, err
				}
				if err := tx.AddPlayerTeamTotals(ctx, p.PlayerKey, s.TeamID, name, int64(s.Earned()), share, at); err != nil {
					return folded, fmt.Errorf("failed to add team totals for %s: %w", p.PlayerKey, err)
				}
			}
		case p.TeamID.Valid:
			name, err := teamName(p.TeamID.Value)
			if err != nil {
				return folded, err
			}
			if err := tx.AddPlayerTeamTotals(ctx, p.PlayerKey, p.TeamID.Value, name, int64(earned), playtime, at); err != nil {
				return folded, fmt.Errorf("failed to add team totals for %s: %w", p.PlayerKey, err)
			}
		}
		folded++
	}
	return folded, nil
}

// FoldDeathAndRedeemEvents counts the session's death and redemption events
// for human players. Each death adds the wave reached (0 if unknown).
func FoldDeathAndRedeemEvents(ctx context.Context, tx store.Tx, sessionID int64, at time.Time) (deaths, redeems int, err error) {
	deathEvents, err := tx.SessionTeamChanges(ctx, sessionID, models.ChangeDeath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load deaths: %w", err)
	}
	for _, ev := range deathEvents {
		if ev.IsBot {
			continue
		}
		if err := tx.AddPlayerDeath(ctx, ev.PlayerKey, ev.PlayerName, ev.Wave.OrElse(0), at); err != nil {
			return deaths, redeems, fmt.Errorf("failed to add death for %s: %w", ev.PlayerKey, err)
		}
		deaths++
	}

	redeemEvents, err := tx.SessionTeamChanges(ctx, sessionID, models.ChangeRedemption)
	if err != nil {
		return deaths, 0, fmt.Errorf("failed to load redemptions: %w", err)
	}
	for _, ev := range redeemEvents {
		if ev.IsBot {
			continue
		}
		if err := tx.AddPlayerRedeem(ctx, ev.PlayerKey, ev.PlayerName, at); err != nil {
			return deaths, redeems, fmt.Errorf("failed to add redemption for %s: %w", ev.PlayerKey, err)
		}
		redeems++
	}
	return deaths, redeems, nil
}
