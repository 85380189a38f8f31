package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the agent version and the firmware build version it compares against.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build version: %g\n", Cfg.Build.Version)
		fmt.Printf("Firmware server: %s:%d\n", Cfg.Server.Host, Cfg.Server.Port)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
