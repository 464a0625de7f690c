package main

import (
	"fmt"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/MegaGrindStone/agentchat/internal/models"
	"github.com/MegaGrindStone/agentchat/internal/timeline"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage the sessions of the user",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		sessions, err := a.gateway.ListSessions(ctx, a.cfg.UserID)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		sort.SliceStable(sessions, func(i, j int) bool {
			return sessions[i].LastUpdateTime > sessions[j].LastUpdateTime
		})

		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions")
			return nil
		}

		last, err := a.repository.LastSession(ctx, a.cfg.UserID)
		if err != nil {
			a.logger.Warn("Failed to read last session", slog.String("err", err.Error()))
		}

		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d sessions", len(sessions))))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, s := range sessions {
			title := ""
			if a.titles != nil {
				if title, err = a.titles.Title(ctx, a.cfg.UserID, s.ID); err != nil {
					a.logger.Warn("Failed to read session title",
						slog.String("sessionID", s.ID),
						slog.String("err", err.Error()))
				}
			}
			marker := " "
			if s.ID == last {
				marker = "*"
			}
			updated := "-"
			if t := models.EventTime(s.LastUpdateTime); !t.IsZero() {
				updated = t.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, idStyle.Render(s.ID), updated, title)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the timeline of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sw, err := a.gateway.SessionWithEvents(cmd.Context(), a.cfg.UserID, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}

		out := cmd.OutOrStdout()
		for _, m := range timeline.Translate(sw.Session.Events, sw.Sources, a.cfg.sourcePolicy()) {
			fmt.Fprintln(out, formatMessage(m))
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its local title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		sessionID := args[0]
		if err := a.gateway.DeleteSession(ctx, a.cfg.UserID, sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}

		if a.titles != nil {
			if err := a.titles.DeleteTitle(ctx, a.cfg.UserID, sessionID); err != nil {
				a.logger.Warn("Failed to delete session title", slog.String("err", err.Error()))
			}
		}
		if last, err := a.repository.LastSession(ctx, a.cfg.UserID); err == nil && last == sessionID {
			if err := a.repository.ClearLastSession(ctx, a.cfg.UserID); err != nil {
				a.logger.Warn("Failed to clear last session", slog.String("err", err.Error()))
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Deleted "+sessionID))
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
}
