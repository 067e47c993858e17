package cmd

import (
	"fmt"

	upsmon "github.com/OpenCHAMI/upsmon/internal"
	"github.com/OpenCHAMI/upsmon/internal/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// The `poll` command reads every UPS once, prints one status line per UPS
// and runs a shutdown pass for any UPS that has run out of power. It is
// meant to be run from cron or a systemd timer.
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every UPS once and shut down servers on power loss",
	Example: `  // poll using the default config in $XDG_CONFIG_HOME/upsmon/config.yaml
  upsmon poll

  // see what would be shut down without doing it
  upsmon poll --dry-run --trigger on-battery`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.UPSes) == 0 {
			return fmt.Errorf("no UPS configured (set 'upses' in the config file)")
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

		var errs []error
		for _, r := range upsmon.PollOnce(cmd.Context(), rt.Params) {
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.UPS, r.Err))
			}
			if r.Report != nil {
				errs = append(errs, r.Report.Errors()...)
			}
		}
		if util.HasErrors(errs) {
			return fmt.Errorf("poll finished with %d error(s):\n%w", len(errs), util.FormatErrorList(errs))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
}
