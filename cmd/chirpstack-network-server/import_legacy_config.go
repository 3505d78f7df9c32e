package main

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// legacyKeyRenames maps the flat keys the pre-region-aware loraserver.toml
// used to their network_server.* / postgresql.* equivalents.
var legacyKeyRenames = map[string]string{
	"general.log_level":        "general.log_level",
	"postgresql.dsn":           "postgresql.dsn",
	"redis.url":                "redis.url",
	"network_server.net_id":    "network_server.net_id",
	"network_server.band.name": "network_server.regions.0.band",
}

var importLegacyConfigCmd = &cobra.Command{
	Use:   "import-legacy-config [path]",
	Short: "rewrite a pre-multi-region loraserver.toml into the current format",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		old := viper.New()
		old.SetConfigFile(args[0])
		old.SetConfigType("toml")
		if err := old.ReadInConfig(); err != nil {
			return errors.Wrap(err, "read legacy config")
		}

		out := viper.New()
		out.SetConfigType("toml")
		for oldKey, newKey := range legacyKeyRenames {
			if old.IsSet(oldKey) {
				out.Set(newKey, old.Get(oldKey))
			}
		}

		outPath := args[0] + ".migrated.toml"
		if err := out.WriteConfigAs(outPath); err != nil {
			return errors.Wrap(err, "write migrated config")
		}

		log.WithField("path", outPath).Info("chirpstack-network-server: wrote migrated config")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importLegacyConfigCmd)
}
