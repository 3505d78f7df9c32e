package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const configTemplate = `[general]
log_level="info"

[postgresql]
dsn="postgres://localhost/chirpstack_ns?sslmode=disable"
max_open_connections=10
max_idle_connections=2

[redis]
url="redis://localhost:6379"

[network_server]
net_id="000000"
deduplication_delay="200ms"
get_downlink_data_delay="1s"
device_session_ttl="744h"
device_lock_ttl="5s"
installation_margin=10.0
device_status_req_interval=24.0

[network_server.scheduler]
interval="1s"
class_a_lock_duration="5s"
class_c_lock_duration="5s"
batch_size=100

# one [[network_server.regions]] block per active region
[[network_server.regions]]
id="eu868"
band="EU868"

[network_server.regions.gateway]
backend="mqtt"

[network_server.regions.gateway.mqtt]
server="tcp://localhost:1883"
event_topic_template="gateway/{{ .GatewayID }}/event/{{ .EventType }}"
command_topic_template="gateway/{{ .GatewayID }}/command/{{ .CommandType }}"

[integration]
marshaler="json"
timeout="5s"

[integration.mqtt]
server="tcp://localhost:1883"
event_topic_template="application/{{ .ApplicationID }}/device/{{ .DevEUI }}/event/{{ .EventType }}"
`

var configfileCmd = &cobra.Command{
	Use:   "configfile",
	Short: "print a default chirpstack-network-server.toml to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(configTemplate)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configfileCmd)
}
