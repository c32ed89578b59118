// epiwatch - real-time client for the EPI management platform.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/markus-barta/epiwatch/internal/api"
	"github.com/markus-barta/epiwatch/internal/config"
	"github.com/markus-barta/epiwatch/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// app carries what every command needs once the configuration is loaded.
type app struct {
	configPath string
	logLevel   string

	cfg      *config.Config
	log      zerolog.Logger
	closeLog io.Closer
}

// load reads the configuration and builds the logger. Console logs go to
// stderr so command output on stdout stays clean.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.log, a.closeLog = logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Console: cmd.ErrOrStderr(),
		File:    cfg.LogFile,
	})
	return nil
}

func (a *app) close() {
	if a.closeLog != nil {
		_ = a.closeLog.Close()
	}
}

func (a *app) apiClient() *api.HTTPClient {
	return api.NewClient(api.ClientConfig{
		BaseURL: a.cfg.APIURL,
		Tokens:  api.StaticToken(a.cfg.Token),
		Timeout: a.cfg.RequestTimeout,
		Log:     a.log,
	})
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "epiwatch",
		Short: "Real-time notifications and dashboard for the EPI platform",
		Long: `epiwatch keeps a live view of EPI notifications and dashboard metrics.

It listens on the platform's push channel, merges pushed records with the
REST notification list, shows short alerts for new deliveries and keeps the
dashboard consistent with the selected filters.

Configuration comes from an optional TOML file (--config or EPIWATCH_CONFIG)
and EPIWATCH_* environment variables:
  EPIWATCH_API_URL              REST base URL (required)
  EPIWATCH_SOCKET_URL           Push channel origin (default: API origin)
  EPIWATCH_TOKEN                Bearer credential
  EPIWATCH_POLL_INTERVAL        Notification re-fetch period (default: 30s)
  EPIWATCH_ALERT_DURATION       Alert visibility (default: 5s)
  EPIWATCH_AUDIO                Terminal bell on new alerts (default: true)
  EPIWATCH_DASHBOARD_INTERVAL   Dashboard auto-refresh (default: off)
  EPIWATCH_LISTEN               Status API address (default: off)
  EPIWATCH_REQUEST_TIMEOUT      Per REST call (default: 30s)
  EPIWATCH_ACTION_TIMEOUT       Per insight/forecast run (default: 2m)
  EPIWATCH_THEME                dark or light
  EPIWATCH_LOG_LEVEL            debug, info, warn, error
  EPIWATCH_LOG_FILE             Rotating log file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the log level")

	root.AddCommand(
		newWatchCmd(a),
		newNotificationsCmd(a),
		newDashboardCmd(a),
		newForecastCmd(a),
		newInsightsCmd(a),
		newCheckCmd(a),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "epiwatch: %v\n", err)
		os.Exit(1)
	}
}
