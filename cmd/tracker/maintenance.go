package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openmohaa/session-tracker/internal/logic"
	"github.com/openmohaa/session-tracker/internal/models"
	"github.com/openmohaa/session-tracker/internal/store/postgres"
)

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Close sessions left active by a previous run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmdContext(cmd)
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.RecoverActiveSessions(ctx)
			if err != nil {
				return fmt.Errorf("recovered %d sessions before failing: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d sessions\n", n)
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmdContext(cmd)
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			pg, ok := a.store.(*postgres.Store)
			if !ok {
				return errors.New("migrate requires STORE=postgres")
			}
			return pg.Migrate(ctx)
		},
	}
}

func newPlayersCommand() *cobra.Command {
	var (
		sortBy string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "players",
		Short: "Print the player leaderboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmdContext(cmd)
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			q := logic.NewQueryService(a.store, a.engine.Config())
			players, err := q.TopPlayers(ctx, models.ParsePlayerSort(sortBy), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderPlayers(players, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&sortBy, "sort", "score", "score, playtime or sessions")
	cmd.Flags().IntVar(&limit, "limit", 25, "number of players")
	return cmd
}

func renderPlayers(players []models.PlayerAggregateStats, now time.Time) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"#", "Player", "Score", "Playtime", "Sessions", "Last Seen"})
	for i, p := range players {
		tbl.AppendRow(table.Row{
			i + 1,
			p.PlayerName,
			humanize.Comma(p.TotalScore),
			(time.Duration(p.PlaytimeSeconds) * time.Second).String(),
			humanize.Comma(int64(p.SessionCount)),
			humanize.RelTime(p.LastUpdated, now, "ago", "from now"),
		})
	}
	tbl.AppendFooter(table.Row{"", fmt.Sprintf("Total: %d players", len(players))})
	return tbl.Render()
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

