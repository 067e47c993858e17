package cmd

import (
	"fmt"

	"github.com/OpenCHAMI/upsmon/internal/format"
	"github.com/OpenCHAMI/upsmon/internal/version"
	"github.com/spf13/cobra"
)

var versionFormat = format.FORMAT_LIST

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if versionFormat == format.FORMAT_LIST {
			fmt.Fprintln(cmd.OutOrStdout(), info.Version)
			return nil
		}
		b, err := format.Marshal(info, versionFormat)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

// SetVersionInfo is called from main with the values goreleaser injects.
func SetVersionInfo(v, commit, date string) {
	if v != "" {
		version.Version = v
	}
	if commit != "" {
		version.GitCommit = commit
	}
	if date != "" {
		version.BuildTime = date
	}
}

func init() {
	versionCmd.Flags().VarP(&versionFormat, "format", "F", "Set the output format (list|json|yaml)")
	rootCmd.AddCommand(versionCmd)
}
