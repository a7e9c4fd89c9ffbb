package server

import (
	"fmt"
	"log"
	"os"

	"gihan9a/collabsync/internal/config"

	"github.com/grandcat/zeroconf"
)

// Advertise announces the server over mDNS so editors on the local network can
// find it. The returned function withdraws the announcement.
func Advertise(cfg *config.Config) (func(), error) {
	host, _ := os.Hostname()
	scheme := "http"
	if cfg.TLS.Enabled {
		scheme = "https"
	}
	server, err := zeroconf.Register(
		fmt.Sprintf("collabsync-%s", host),
		cfg.Discovery.Service,
		cfg.Discovery.Domain,
		cfg.Port,
		[]string{"txtv=0", "scheme=" + scheme},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	log.Printf("mDNS service registered: %s on port %d", cfg.Discovery.Service, cfg.Port)
	return server.Shutdown, nil
}
