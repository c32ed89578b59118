package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/epiwatch/internal/api"
	"github.com/markus-barta/epiwatch/internal/config"
	"github.com/spf13/cobra"
)

// errCheckFailed is returned after the check output explained the failure.
var errCheckFailed = errors.New("check failed")

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "check",
		Short:       "Validate config and test backend connectivity",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Checking configuration...")
			fmt.Fprintln(out)

			if err := a.load(cmd); err != nil {
				fmt.Fprintf(out, "❌ Config error: %v\n", err)
				return errCheckFailed
			}
			cfg := a.cfg

			fmt.Fprintln(out, "✓ Config OK")
			fmt.Fprintf(out, "  API:         %s\n", cfg.APIURL)
			fmt.Fprintf(out, "  Push:        %s\n", cfg.PushURL())
			fmt.Fprintf(out, "  Token:       %s\n", describeToken(cfg))
			fmt.Fprintf(out, "  Poll:        %s\n", cfg.PollInterval)
			if cfg.Listen != "" {
				fmt.Fprintf(out, "  Status API:  %s\n", cfg.Listen)
			}
			fmt.Fprintln(out)

			fmt.Fprint(out, "Testing backend connectivity... ")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			start := time.Now()
			_, err := a.apiClient().ListNotifications(ctx)
			latency := time.Since(start)

			switch {
			case err == nil:
				fmt.Fprintf(out, "✓ OK (latency: %dms)\n", latency.Milliseconds())
				return nil
			case errors.Is(err, api.ErrUnauthorized):
				fmt.Fprintln(out, "❌ Failed (credentials rejected)")
			default:
				fmt.Fprintln(out, "❌ Failed")
				fmt.Fprintf(out, "  Error: %v\n", err)
			}
			return errCheckFailed
		},
	}
}

func describeToken(cfg *config.Config) string {
	if cfg.Token == "" {
		return "(none)"
	}
	return "set"
}
