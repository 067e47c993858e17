package cmd

import (
	"fmt"
	"strings"

	upsmon "github.com/OpenCHAMI/upsmon/internal"
	"github.com/OpenCHAMI/upsmon/pkg/notify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// The `notify` command sends a message through every configured sink, to
// check the operator channel works before it is needed.
var notifyCmd = &cobra.Command{
	Use:   "notify [message]",
	Short: "Send a test notification",
	Example: `  upsmon notify
  upsmon notify "UPS maintenance at 14:00"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		n := upsmon.NewNotifier(cfg)
		if _, ok := n.(notify.Discard); ok {
			return fmt.Errorf("no notification sink configured (set notify.webhook or notify.amqp.url)")
		}

		message := "upsmon test notification"
		if len(args) > 0 {
			message = strings.Join(args, " ")
		}
		if err := n.Notify(cmd.Context(), message); err != nil {
			return fmt.Errorf("failed to send notification: %w", err)
		}
		log.Info().Str("message", message).Msg("notification sent")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}
