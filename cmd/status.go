package cmd

import (
	"fmt"

	upsmon "github.com/OpenCHAMI/upsmon/internal"
	"github.com/OpenCHAMI/upsmon/internal/format"
	"github.com/OpenCHAMI/upsmon/pkg/metrics"
	"github.com/spf13/cobra"
)

var statusFormat = format.FORMAT_LIST

// The `status` command reads every UPS once and prints what it reports.
// Nothing is shut down, whatever the power state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current status of every UPS",
	Example: `  upsmon status
  upsmon status --format yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.UPSes) == 0 {
			return fmt.Errorf("no UPS configured (set 'upses' in the config file)")
		}

		params := &upsmon.PollParams{Sources: upsmon.NewSources(cfg)}
		if statusFormat == format.FORMAT_LIST {
			params.Emitter = metrics.NewEmitter(cmd.OutOrStdout())
		}
		results := upsmon.PollOnce(cmd.Context(), params)

		failed := 0
		out := map[string]any{}
		for _, r := range results {
			if r.Err != nil {
				failed++
				out[r.UPS] = map[string]string{"error": r.Err.Error()}
				continue
			}
			out[r.UPS] = r.Status.Fields()
		}
		if statusFormat != format.FORMAT_LIST {
			b, err := format.Marshal(out, statusFormat)
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(b); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d UPS(es) did not report a status", failed, len(results))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().VarP(&statusFormat, "format", "F", "Set the output format (list|json|yaml)")
	rootCmd.AddCommand(statusCmd)
}
