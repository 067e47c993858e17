package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/OpenCHAMI/upsmon/internal/format"
	"github.com/OpenCHAMI/upsmon/internal/util"
	"github.com/OpenCHAMI/upsmon/pkg/journal"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyPass   string
	historyFormat = format.FORMAT_LIST
)

// The `history` command shows what past shutdown passes did, as recorded
// in the journal.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the shutdown journal",
	Example: `  upsmon history -n 20
  upsmon history --pass 7d0f... --format yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Journal == "" || !util.PathExists(cfg.Journal) {
			return fmt.Errorf("no journal found at %q", cfg.Journal)
		}
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close journal")
			}
		}()

		limit := historyLimit
		if historyPass != "" {
			// the filter runs after the query
			limit = 0
		}
		events, err := j.List(limit)
		if err != nil {
			return err
		}
		if historyPass != "" {
			events = filterPass(events, historyPass)
		}

		if historyFormat != format.FORMAT_LIST {
			b, err := format.Marshal(events, historyFormat)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tUPS\tENDPOINT\tACTION\tTARGET\tOUTCOME\tERROR")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.UPS, e.Endpoint, e.Action, e.Target, e.Outcome, e.Error)
		}
		return w.Flush()
	},
}

func filterPass(events []journal.Event, pass string) []journal.Event {
	var out []journal.Event
	for _, e := range events {
		if e.PassID == pass {
			out = append(out, e)
		}
	}
	return out
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Set the number of events to show (0 for all)")
	historyCmd.Flags().StringVar(&historyPass, "pass", "", "Only show events from this shutdown pass")
	historyCmd.Flags().VarP(&historyFormat, "format", "F", "Set the output format (list|json|yaml)")
	rootCmd.AddCommand(historyCmd)
}
