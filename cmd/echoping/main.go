package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fiatjaf.com/nostr"
	"github.com/rs/zerolog"

	"meshecho/pkg/agent"
	"meshecho/pkg/mesh"
)

func main() {
	relays := flag.String("relays", "wss://nos.lol,wss://relay.damus.io", "Comma-separated Nostr relay URLs (wss://...)")
	to := flag.String("to", "", "Address (hex pubkey) of the echo bot")
	text := flag.String("text", "ping", "Message content")
	title := flag.String("title", "", "Message title")
	timeout := flag.Duration("timeout", 60*time.Second, "How long to wait for the echo")
	verbose := flag.Bool("v", false, "Log router activity")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()

	bot, err := mesh.ParseAddress(*to)
	if err != nil {
		logger.Fatal().Err(err).Msg("-to must be a hex public key")
	}

	dir, err := os.MkdirTemp("", "echoping")
	if err != nil {
		logger.Fatal().Err(err).Msg("temp dir")
	}
	defer os.RemoveAll(dir)
	store, err := mesh.OpenStore(filepath.Join(dir, "echoping.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	router, err := mesh.NewRouter(mesh.Options{
		Identity: mesh.NewIdentity(nostr.Generate(), "echoping"),
		Relays:   mesh.ParseRelayURLs(*relays),
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("router setup")
	}
	replies := make(chan mesh.InboundMessage, 1)
	router.OnMessage(func(_ context.Context, msg mesh.InboundMessage) {
		if msg.Source != bot {
			return
		}
		select {
		case replies <- msg:
		default:
		}
	})
	if err := router.Start(); err != nil {
		logger.Fatal().Err(err).Msg("router start")
	}
	defer router.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// The bot must be able to find us before it can answer.
	if err := router.Announce(ctx, router.Endpoint()); err != nil {
		logger.Fatal().Err(err).Msg("announce")
	}

	if !router.HasPath(bot) {
		notify, unwatch := router.WatchPath(bot)
		router.RequestPath(bot)
		select {
		case <-notify:
		case <-ctx.Done():
			logger.Fatal().Str("bot", bot.Short()).Msg("no announce from bot")
		}
		unwatch()
	}

	method, err := agent.NewDeliveryPolicy(agent.PolicyConfig{Source: router}).Decide(bot)
	if err != nil {
		logger.Fatal().Err(err).Msg("delivery policy")
	}
	sent := time.Now()
	delivery, err := router.Submit(ctx, &mesh.OutboundMessage{
		Destination: bot,
		Source:      router.Endpoint(),
		Title:       *title,
		Content:     []byte(*text),
		Method:      method,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("submit")
	}
	if outcome, err := delivery.Wait(ctx); outcome != mesh.OutcomeDelivered {
		logger.Fatal().Err(err).Str("outcome", outcome.String()).Msg("message not delivered")
	}
	fmt.Printf("sent to %s via %s\n", bot.Short(), delivery.Method)

	select {
	case reply := <-replies:
		fmt.Printf("echo from %s after %s:\n%s\n", reply.Source.Short(), time.Since(sent).Round(time.Millisecond), reply.ContentString())
	case <-ctx.Done():
		logger.Fatal().Msg("no echo before timeout")
	}
}
