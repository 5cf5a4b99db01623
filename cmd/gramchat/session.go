package main

import (
	"fmt"

	"github.com/MegaGrindStone/gram-ai/internal/chat"
	"github.com/spf13/cobra"
)

func newWhoamiCmd(a *app) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity presented to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if offline {
				fmt.Fprintln(cmd.OutOrStdout(), a.manager.GetCachedIdentitySync())
				return nil
			}

			id, err := a.manager.EnsureIdentity(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "use the cached identity without contacting the relay")

	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the anonymous session and forget the cached identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.manager.ClearIdentity(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation the relay has recorded for this identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := a.manager.EnsureIdentity(cmd.Context())
			if err != nil {
				return err
			}

			token, err := a.auth.AccessToken(cmd.Context())
			if err != nil {
				return err
			}

			entries, err := chat.FetchHistory(cmd.Context(), a.client, a.cfg.server()+historyPath, a.cfg.APIKey, token, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No messages yet.")
				return nil
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "[%s] %s\n%s\n\n", entry.Timestamp.Format("2006-01-02 15:04"), entry.Role, entry.Content)
			}
			return nil
		},
	}
}
