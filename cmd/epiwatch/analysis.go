package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/markus-barta/epiwatch/internal/actions"
	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/render"
	"github.com/spf13/cobra"
)

func newForecastCmd(a *app) *cobra.Command {
	var req models.ForecastRequest

	cmd := &cobra.Command{
		Use:   "forecast <epiId>",
		Short: "Run a demand forecast for one EPI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.EpiID = args[0]
			acts := actions.New(a.apiClient(), a.cfg.ActionTimeout, a.log)

			tok, err := acts.TriggerForecast(req)
			if err != nil {
				return err
			}
			p, ok := acts.Forecast.Await(cmd.Context(), tok)
			if !ok {
				return interrupted(cmd)
			}
			if p.Err != nil {
				return p.Err
			}

			fmt.Fprintln(cmd.OutOrStdout(), render.NewStyles(a.cfg.Theme).Forecast(p.Result))
			return nil
		},
	}
	cmd.Flags().IntVar(&req.Months, "months", 12, "months of history to use")
	cmd.Flags().IntVar(&req.Future, "future", 3, "months to forecast")
	return cmd
}

func newInsightsCmd(a *app) *cobra.Command {
	var summary, summaryFile string

	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Ask for an AI analysis of a data summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(summary)
			if summaryFile != "" {
				data, err := os.ReadFile(summaryFile)
				if err != nil {
					return err
				}
				raw = data
			}
			if len(raw) == 0 {
				return errors.New("--resumo or --resumo-file is required")
			}
			if !json.Valid(raw) {
				return errors.New("summary must be valid JSON")
			}

			acts := actions.New(a.apiClient(), a.cfg.ActionTimeout, a.log)
			tok, err := acts.TriggerInsight(json.RawMessage(raw))
			if err != nil {
				return err
			}
			p, ok := acts.Insight.Await(cmd.Context(), tok)
			if !ok {
				return interrupted(cmd)
			}
			if p.Err != nil {
				return p.Err
			}

			fmt.Fprintln(cmd.OutOrStdout(), render.NewStyles(a.cfg.Theme).Insight(p.Result))
			return nil
		},
	}
	cmd.Flags().StringVar(&summary, "resumo", "", "data summary as JSON")
	cmd.Flags().StringVar(&summaryFile, "resumo-file", "", "read the data summary from a JSON file")
	return cmd
}

// interrupted explains why an awaited action did not settle.
func interrupted(cmd *cobra.Command) error {
	if err := cmd.Context().Err(); err != nil {
		return err
	}
	return errors.New("action superseded")
}
