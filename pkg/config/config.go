package config

import (
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultStunServer is used when STUN_SERVERS is not set; voice should
// work out of the box without any environment tuning.
const DefaultStunServer = "stun:stun.l.google.com:19302"

func getServersFromString(envServers string) []string {
	servers := strings.Split(envServers, ",")
	for i, server := range servers {
		servers[i] = strings.TrimSpace(server)
	}
	return servers
}

func GetStunServers() []webrtc.ICEServer {
	envServer := os.Getenv("STUN_SERVERS")
	if envServer == "" {
		return []webrtc.ICEServer{{URLs: []string{DefaultStunServer}}}
	}
	serverList := getServersFromString(envServer)

	stunServers := make([]webrtc.ICEServer, len(serverList))
	for i, server := range serverList {
		stunServers[i] = webrtc.ICEServer{
			URLs: []string{server},
		}
	}
	return stunServers
}

// GetTurnServers returns the configured TURN relays, if any. TURN is
// optional: without it peers behind symmetric NATs may fail to connect.
func GetTurnServers() []webrtc.ICEServer {
	envServer := os.Getenv("TURN_SERVERS")
	if envServer == "" {
		log.Debug().Msg("no TURN servers configured, some connections may fail")
		return nil
	}
	username := os.Getenv("TURN_USERNAME")
	credential := os.Getenv("TURN_CREDENTIAL")

	serverList := getServersFromString(envServer)

	turnServers := make([]webrtc.ICEServer, len(serverList))
	for i, server := range serverList {
		turnServers[i] = webrtc.ICEServer{
			URLs:       []string{server},
			Username:   username,
			Credential: credential,
		}
	}
	return turnServers
}

// GetICEServers returns the full ICE server set for peer connections.
func GetICEServers() []webrtc.ICEServer {
	return append(GetStunServers(), GetTurnServers()...)
}
