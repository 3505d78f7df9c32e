package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

var migrateDBCmd = &cobra.Command{
	Use:   "migrate-db",
	Short: "apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(cfgDir)
		if err != nil {
			return err
		}
		if err := storage.Setup(conf); err != nil {
			return err
		}
		if err := storage.Migrate(context.Background()); err != nil {
			return err
		}
		log.Info("chirpstack-network-server: schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateDBCmd)
}
