package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CloudNativeWorks/elchi-ota/internal/operations/systemd"
	"github.com/CloudNativeWorks/elchi-ota/internal/services"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run update cycles on the configured schedule",
	Long: `Run one update cycle at startup and then on the schedule from the build
configuration. Cycles never overlap; SIGINT or SIGTERM cancels a running
cycle and stops the agent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger("main")

		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		scheduler := services.NewScheduler(Cfg.Schedule.Cron, func(ctx context.Context) {
			res, err := svc.RunCycle(ctx)
			if err != nil {
				log.Warnf("Update cycle ended in %s: %v", res.State, err)
				return
			}
			log.Infof("Update cycle ended in %s", res.State)
		})
		if err := scheduler.Start(); err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		systemd.Notify(daemon.SdNotifyReady)
		log.WithFields(logger.Fields{
			"schedule":      Cfg.Schedule.Cron,
			"local_version": Cfg.Build.Version,
			"version":       Version,
		}).Info("Update agent started")

		scheduler.Trigger()

		sig := <-sigChan
		log.Warnf("Received signal %s, initiating shutdown...", sig)

		systemd.Notify(daemon.SdNotifyStopping)
		scheduler.Stop()
		return nil
	},
}

func init() {
	RootCmd.AddCommand(daemonCmd)
}
