package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgDir string
var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chirpstack-network-server",
	Short: "ChirpStack Network Server",
	Long:  "LoRaWAN network-server: processes gateway uplinks, maintains device sessions and schedules downlinks.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if lvl, err := log.ParseLevel(logLevel); err == nil {
			log.SetLevel(lvl)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "path to the directory holding chirpstack-network-server.toml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warning, error)")
}
