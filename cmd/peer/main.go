package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"paddlesync/server/internal/lifecycle"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/peer"
	"paddlesync/server/internal/telemetry"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "authority HTTP address")
	team := flag.String("team", "", "team to join (A, B, or empty for any)")
	codecName := flag.String("codec", "", "wire codec override (json or msgpack)")
	autoRespawn := flag.Bool("respawn", true, "request a respawn as soon as the countdown ends")
	flag.Parse()

	logger := telemetry.WrapLogger(log.New(os.Stderr, "[peer] ", log.LstdFlags))

	var codec proto.Codec
	if *codecName != "" {
		parsed, err := proto.ParseCodec(*codecName)
		if err != nil {
			log.Fatalf("%v", err)
		}
		codec = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := peer.Dial(ctx, peer.ClientConfig{
		BaseURL:     *baseURL,
		Team:        *team,
		Codec:       codec,
		AutoRespawn: *autoRespawn,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	p := client.Peer()
	logger.Printf("joined session=%s as %s", client.Session(), p.ClientID())
	p.Players().OnPlayerKnockedOut(func(n lifecycle.Notice) {
		if n.Local {
			logger.Printf("knocked out")
			return
		}
		logger.Printf("%s knocked out", n.ClientID)
	})
	p.Players().OnPlayerRespawning(func(c lifecycle.Countdown) {
		if c.Local {
			logger.Printf("respawn in %.1fs", c.Remaining.Seconds())
		}
	})
	p.Players().OnRespawnComplete(func(n lifecycle.Notice) {
		logger.Printf("%s respawned", n.ClientID)
	})
	p.OnRespawnGrant(func(g proto.RespawnGrant) {
		logger.Printf("respawn granted at %s %v", g.SpawnID, g.Position)
	})

	if err := client.Run(ctx); err != nil {
		if errors.Is(err, peer.ErrConnectionLost) {
			logger.Printf("%v", err)
			os.Exit(1)
		}
		log.Fatalf("%v", err)
	}
}
