package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd 打印版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dcf version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
