package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one update cycle",
	Long:  `Check the server version and, when it is newer, download, install and restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.RunCycle(ctx)
		if err != nil {
			return err
		}

		log.WithFields(logger.Fields{
			"state":          res.State.String(),
			"server_version": res.Version.ServerVersion,
			"local_version":  Cfg.Build.Version,
		}).Info("Update cycle completed")
		return nil
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
}
