package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last update cycle and the staged files",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		rec, entries, err := svc.LastStatus()
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Println("No update cycle recorded yet")
		case err != nil:
			return err
		default:
			fmt.Printf("State:          %s\n", rec.State)
			fmt.Printf("Updated at:     %s\n", rec.UpdatedAt.Format(time.RFC3339))
			fmt.Printf("Local version:  %g\n", rec.LocalVersion)
			fmt.Printf("Server version: %g\n", rec.ServerVersion)
			if rec.ExpectedLength > 0 {
				fmt.Printf("Downloaded:     %d/%d bytes\n", rec.BytesRead, rec.ExpectedLength)
			}
			if rec.SHA256 != "" {
				fmt.Printf("SHA-256:        %s\n", rec.SHA256)
			}
			if rec.Error != "" {
				fmt.Printf("Error:          %s\n", rec.Error)
			}
		}

		fmt.Printf("\nStaging area %s:\n", Cfg.Storage.Root)
		for _, e := range entries {
			if e.IsDir {
				fmt.Printf("  DIR  %s\n", e.Path)
				continue
			}
			fmt.Printf("  FILE %s (%d bytes)\n", e.Path, e.Size)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
}
