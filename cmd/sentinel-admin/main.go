package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "sentinel-admin",
		Short:         "Operational tasks for IIoT Sentinel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(
		newMigrateCmd(&configPath),
		newCreateAdminCmd(&configPath),
		newSeedTopologyCmd(&configPath),
		newPublishModelCmd(&configPath),
	)
	return root
}
