package cmd

import (
	"context"
	"fmt"

	upsmon "github.com/OpenCHAMI/upsmon/internal"
	"github.com/OpenCHAMI/upsmon/internal/util"
	"github.com/OpenCHAMI/upsmon/pkg/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// The `daemon` command polls on an interval instead of relying on an
// external scheduler, and serves the latest status and the journal over
// HTTP.
var daemonCmd = &cobra.Command{
	Use: "daemon",
	Example: `  // basic launch
  upsmon daemon
  // launch with a custom configuration
  upsmon daemon -c custom-settings.yml --interval 10s`,
	Short: "Poll continuously and serve status over HTTP",
	Long: "Polls every UPS on an interval, shutting servers down on power loss, and serves\n" +
		"GET /healthz, /status and /history. Set a token key to require HS256 bearer tokens.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.UPSes) == 0 {
			return fmt.Errorf("no UPS configured (set 'upses' in the config file)")
		}

		key, err := util.LoadTokenKey(cfg.Daemon.TokenKeyFile, cfg.Daemon.TokenKey)
		if err != nil {
			return err
		}
		if len(key) == 0 {
			log.Warn().Msg("no token key set; status and history are served without authentication")
		}

		rt, err := upsmon.NewRuntime(cfg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close resources")
			}
		}()

		var history daemon.History
		if rt.Journal != nil {
			history = rt.Journal
		}
		server := daemon.New(
			daemon.Config{Listen: cfg.Daemon.Listen, Interval: cfg.Daemon.Interval, TokenKey: key},
			func(ctx context.Context) { upsmon.PollOnce(ctx, rt.Params) },
			rt.Params.Emitter,
			history,
		)
		return server.Run(cmd.Context())
	},
}

func init() {
	addFlag("daemon.listen", daemonCmd, "listen", "l", "", "Set the address the status server listens on")
	daemonCmd.Flags().Duration("interval", 0, "Set the time between polls")
	checkBindFlagError(viper.BindPFlag("daemon.interval", daemonCmd.Flags().Lookup("interval")))
	rootCmd.AddCommand(daemonCmd)
}
