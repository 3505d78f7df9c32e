package main

import (
	"github.com/spf13/cobra"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the network-server",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(cfgDir)
		if err != nil {
			return err
		}
		return serve(conf)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
