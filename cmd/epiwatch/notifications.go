package main

import (
	"fmt"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/notifications"
	"github.com/markus-barta/epiwatch/internal/render"
	"github.com/spf13/cobra"
)

func newNotificationsCmd(a *app) *cobra.Command {
	var unreadOnly bool

	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"ls"},
		Short:   "List notifications, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := notifications.Open(a.log)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			poller := notifications.NewPoller(store, a.apiClient(), a.cfg.PollInterval, a.cfg.RequestTimeout, a.log)
			if _, err := poller.Sync(cmd.Context()); err != nil {
				return err
			}

			list, err := store.List()
			if err != nil {
				return err
			}
			if unreadOnly {
				list = filterUnread(list)
			}

			styles := render.NewStyles(a.cfg.Theme)
			fmt.Fprintln(cmd.OutOrStdout(), styles.NotificationList(list, time.Now()))
			fmt.Fprintf(cmd.OutOrStdout(), "%d total, %d unread\n", store.Len(), store.UnreadCount())
			return nil
		},
	}
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "show unread notifications only")

	cmd.AddCommand(newReadCmd(a))
	return cmd
}

func newReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := a.apiClient().MarkNotificationRead(cmd.Context(), id); err != nil {
				return fmt.Errorf("read: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notification %s marked as read\n", id)
			return nil
		},
	}
}

func filterUnread(list []models.Notification) []models.Notification {
	out := make([]models.Notification, 0, len(list))
	for _, n := range list {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out
}
