package main

import (
	"fmt"

	"github.com/markus-barta/epiwatch/internal/dashboard"
	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/render"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func addFilterFlags(fs *pflag.FlagSet, f *models.Filters) {
	fs.StringVar(&f.From, "from", "", "start date (YYYY-MM-DD)")
	fs.StringVar(&f.To, "to", "", "end date (YYYY-MM-DD)")
	fs.StringVar(&f.SetorID, "setor", "", "sector id")
	fs.StringVar(&f.EpiID, "epi", "", "EPI id")
}

func newDashboardCmd(a *app) *cobra.Command {
	var filters models.Filters

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Print a dashboard snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := dashboard.NewReconciler(a.apiClient(), dashboard.Config{Timeout: a.cfg.RequestTimeout}, a.log)
			defer rec.Close()

			if err := rec.SetFilters(filters); err != nil {
				return err
			}
			rec.Wait()

			st := rec.State()
			fmt.Fprintln(cmd.OutOrStdout(), render.NewStyles(a.cfg.Theme).Dashboard(st))
			return st.Err
		},
	}
	addFilterFlags(cmd.Flags(), &filters)
	return cmd
}
