package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	gwbackend "github.com/chirpstack/chirpstack-sub001/internal/backend/gateway"
	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/downlink"
	"github.com/chirpstack/chirpstack-sub001/internal/downlink/scheduler"
	"github.com/chirpstack/chirpstack-sub001/internal/integration"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
	"github.com/chirpstack/chirpstack-sub001/internal/uplink"
)

// serve wires every subsystem in dependency order, starts the scheduler
// loop and blocks until SIGINT/SIGTERM.
func serve(conf config.Config) error {
	if err := storage.Setup(conf); err != nil {
		return err
	}
	if err := band.Setup(conf); err != nil {
		return err
	}
	if err := gwbackend.Setup(conf); err != nil {
		return err
	}
	if err := integration.Setup(conf); err != nil {
		return err
	}
	if err := uplink.Setup(conf); err != nil {
		return err
	}
	downlink.Setup(conf.NetworkServer)

	scheduler.Setup(conf.NetworkServer.Scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Run(ctx)

	log.WithField("net_id", conf.NetworkServer.NetID).Info("chirpstack-network-server: up and running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("chirpstack-network-server: shutting down")
	cancel()

	return nil
}
