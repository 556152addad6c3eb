package main

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"meshvoice/internal/audio/engine"
	"meshvoice/internal/rtc"
	"meshvoice/internal/signaling"
	"meshvoice/internal/voice"
	"meshvoice/pkg/logger"
	"meshvoice/pkg/system"
)

// loadEnv loads environment variables from a .env file if not already set
func loadEnv() {
	if os.Getenv("LOG_LEVEL") == "" { // means .env not loaded
		if err := system.LoadEnv(".env"); err != nil {
			log.Debug().Err(err).Msg("no .env file, using process environment")
		}
	}
}

func main() {
	loadEnv()
	logger.InitLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audio := engine.New()
	defer audio.Close()

	factory, err := rtc.NewFactory()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize WebRTC")
	}

	relay, err := signaling.NewRelay("0.0.0.0", 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start signaling relay")
	}
	defer relay.Close()
	relay.StartDiscovery(ctx)

	manager := voice.NewManager(audio, factory)
	go manager.Run(ctx)

	sessionID := system.GenerateSessionID()
	log.Info().
		Str("session", sessionID).
		Str("user", relay.UserID()).
		Msg("meshvoice ready")

	go bridgeInbound(ctx, relay, manager)
	go bridgeEvents(ctx, relay, manager)

	runConsole(manager)
}

// bridgeInbound feeds relayed signaling into the manager, dropping
// targeted messages meant for somebody else.
func bridgeInbound(ctx context.Context, relay *signaling.Relay, manager *voice.Manager) {
	self := relay.UserID()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-relay.Inbound():
			if msg.TargetUserID != nil && *msg.TargetUserID != self {
				continue
			}
			if msg.SenderUserID == nil {
				continue
			}
			manager.Commands() <- voice.SignalCommand{
				SenderID: *msg.SenderUserID,
				Type:     msg.Type,
				Data:     msg.Data,
			}
		}
	}
}

// bridgeEvents forwards outbound signaling to the relay and logs the rest.
func bridgeEvents(ctx context.Context, relay *signaling.Relay, manager *voice.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-manager.Events():
			switch ev := e.(type) {
			case voice.SignalEvent:
				if err := relay.Send(ev.Message); err != nil {
					log.Warn().Err(err).Msg("sending signal failed")
				}
			case voice.ConnectedEvent:
				log.Info().Str("room", ev.RoomID).Msg("voice connected")
			case voice.ConnectionFailedEvent:
				log.Error().Str("reason", ev.Reason).Msg("voice connection failed")
			case voice.DisconnectedEvent:
				log.Info().Msg("voice disconnected")
			case voice.PeerConnectedEvent:
				log.Info().Str("peer", ev.PeerID).Msg("peer joined")
			case voice.PeerDisconnectedEvent:
				log.Info().Str("peer", ev.PeerID).Msg("peer left")
			case voice.PeerConnectionFailedEvent:
				log.Warn().Str("peer", ev.PeerID).Msg("peer connection failed")
			case voice.MuteStateChangedEvent:
				log.Info().Bool("muted", ev.Muted).Msg("mute state changed")
			case voice.AudioErrorEvent:
				log.Warn().Str("error", ev.Message).Msg("audio problem")
			}
		}
	}
}

func runConsole(manager *voice.Manager) {
	log.Info().Msg("commands: join <room> | leave | mute | unmute | quit")

	muted := false
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "join":
			room := "default"
			if len(fields) > 1 {
				room = fields[1]
			}
			manager.Commands() <- voice.JoinCommand{RoomID: room}
		case "leave":
			manager.Commands() <- voice.LeaveCommand{}
		case "mute":
			muted = true
			manager.Commands() <- voice.MuteCommand{Muted: muted}
		case "unmute":
			muted = false
			manager.Commands() <- voice.MuteCommand{Muted: muted}
		case "quit", "exit":
			manager.Commands() <- voice.LeaveCommand{}
			return
		default:
			log.Warn().Str("command", fields[0]).Msg("unknown command")
		}
	}
}
