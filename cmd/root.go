package cmd

import (
	"fmt"
	"os"

	"github.com/CloudNativeWorks/elchi-ota/internal/config"
	"github.com/CloudNativeWorks/elchi-ota/internal/services"
	"github.com/spf13/cobra"
)

var (
	Cfg     *config.Config
	Version string
)

var RootCmd = &cobra.Command{
	Use:   "elchi-ota",
	Short: "Elchi OTA - firmware update agent",
	Long: `Elchi OTA checks the firmware server for a newer build, downloads it into
the staging area, installs it and restarts into the new image.`,
	SilenceUsage: true,
}

func Execute(version string) error {
	Version = version
	return RootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig loads the configuration baked into the binary. There is no
// config file and no override flag.
func initConfig() {
	var err error

	Cfg, err = config.LoadConfig()
	if err != nil {
		fmt.Printf("Fatal: Configuration could not be loaded: %v\n", err)
		os.Exit(1)
	}

	if err := config.InitLogger(&Cfg.Logging); err != nil {
		fmt.Printf("Fatal: Logger could not be initialized: %v\n", err)
		os.Exit(1)
	}
}

func newServices() (*services.Services, error) {
	svc, err := services.NewServices(Cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return svc, nil
}
