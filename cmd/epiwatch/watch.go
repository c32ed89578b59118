package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/markus-barta/epiwatch/internal/alerts"
	"github.com/markus-barta/epiwatch/internal/client"
	"github.com/markus-barta/epiwatch/internal/dashboard"
	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/notifications"
	"github.com/markus-barta/epiwatch/internal/realtime"
	"github.com/markus-barta/epiwatch/internal/render"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		filters models.Filters
		listen  string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the live client until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Listen = listen
			}

			c, err := client.New(a.cfg, filters, a.log, client.Deps{
				Player: alerts.NewBellPlayer(os.Stdout),
			})
			if err != nil {
				return err
			}

			view := newWatchView(cmd.OutOrStdout(), render.NewStyles(a.cfg.Theme))
			view.attach(c)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return c.Run(ctx)
		},
	}

	addFilterFlags(cmd.Flags(), &filters)
	cmd.Flags().StringVar(&listen, "listen", "", "serve the status API on this address")
	return cmd
}

// watchView prints state changes as they happen.
type watchView struct {
	mu     sync.Mutex
	out    io.Writer
	styles render.Styles
}

func newWatchView(out io.Writer, styles render.Styles) *watchView {
	return &watchView{out: out, styles: styles}
}

func (v *watchView) print(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}

func (v *watchView) attach(c *client.Client) {
	c.Conn().OnState(func(s realtime.State) {
		v.print(v.styles.ConnectionBadge(s))
	})

	// Only newly shown alerts are printed; expiry is silent.
	var seenMu sync.Mutex
	seen := make(map[string]bool)
	c.Alerts().Subscribe(func(list []alerts.Alert) {
		seenMu.Lock()
		current := make(map[string]bool, len(list))
		var fresh []alerts.Alert
		for _, al := range list {
			current[al.ID] = true
			if !seen[al.ID] {
				fresh = append(fresh, al)
			}
		}
		seen = current
		seenMu.Unlock()

		for _, al := range fresh {
			v.print(v.styles.Toast(al))
		}
	})

	c.Store().Subscribe(func(sum notifications.Summary) {
		v.print(v.styles.Muted.Render(fmt.Sprintf("notifications: %d total, %d unread", sum.Total, sum.Unread)))
	})

	c.Dashboard().Subscribe(func(st dashboard.State) {
		if st.Loading && st.Data != nil {
			return
		}
		v.print(v.styles.Dashboard(st))
	})
}

