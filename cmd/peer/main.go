package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/adapters/relay"
	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/peer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	pc := cfg.Peer

	client, err := relay.NewClient(pc.RelayURL, pc.ReconnectMin, pc.ReconnectMax)
	if err != nil {
		log.Fatal().Err(err).Msg("relay client")
	}

	coord := peer.NewCoordinator(
		"", // id is assigned by the relay on join
		client,
		rtc.NewFactory(pc.STUNServers),
		media.NewSyntheticSource(),
		peer.Options{
			NegotiationTimeout: pc.NegotiationTimeout,
			RetryBudget:        pc.RetryBudget,
		},
		func(id domain.ParticipantID, s peer.LinkState) {
			log.Info().Str("remote", string(id)).Str("status", s.String()).Msg("peer status")
		},
	)

	// Every (re)connect re-announces presence; the directory join is
	// idempotent and the coordinator rebuilds links on rejoin.
	announced := false
	client.OnConnect(func() {
		if !announced {
			announced = true
			if err := coord.JoinRoom(domain.RoomID(pc.Room), pc.DisplayName, core.MediaKind(pc.Media)); err != nil {
				log.Fatal().Err(err).Msg("join aborted")
			}
			return
		}
		if err := coord.Announce(pc.DisplayName); err != nil {
			log.Warn().Err(err).Msg("re-announce failed")
		}
	})

	go client.Run(ctx)

	go func() {
		for env := range client.Incoming() {
			coord.HandleEnvelope(env)
		}
	}()

	log.Info().Str("relay", pc.RelayURL).Str("room", pc.Room).Msg("peer started")
	<-ctx.Done()
	coord.Close()
	client.Close()
	log.Info().Msg("peer exited")
}
