package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("chirpstack-network-server: exit with error")
		os.Exit(1)
	}
}
