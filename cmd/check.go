package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the server for a newer build",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.CheckVersion(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Local version:  %g\n", Cfg.Build.Version)
		if !res.Parsed {
			fmt.Println("Server version: unknown")
		} else {
			fmt.Printf("Server version: %g\n", res.ServerVersion)
		}
		fmt.Printf("Update available: %t\n", res.Available)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(checkCmd)
}
