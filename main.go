// Package main provides a contactless card reader agent: it monitors a
// remote PC/SC-style resource-manager broker over a message channel, detects
// card insertion and removal, decodes the card's identity, and forwards it
// to an operator-configured HTTP endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/venuekit/cardbridge/buildinfo"
)

// brokerMDNSService is browsed when no broker URL is configured.
const brokerMDNSService = "_cardbroker._tcp"

var (
	configFlag   string
	brokerFlag   string
	endpointFlag string
	venueFlag    string
	modeFlag     string
	portFlag     int
	versionFlag  bool
)

func main() {
	flag.StringVar(&configFlag, "config", filepath.Join(DefaultConfigDir(), "config.yaml"), "Path to the YAML config file")
	flag.StringVar(&brokerFlag, "broker", "", "Broker channel URL (overrides config; empty = mDNS discovery)")
	flag.StringVar(&endpointFlag, "endpoint", "", "Notification endpoint URL (overrides config)")
	flag.StringVar(&venueFlag, "venue", "", "Venue identifier (overrides config)")
	flag.StringVar(&modeFlag, "mode", "", "Detection mode: event or poll (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Control surface port (overrides config)")
	flag.BoolVar(&versionFlag, "version", false, "Print version and exit")
	flag.Parse()

	if versionFlag {
		fmt.Printf("%s %s\n", buildinfo.Name, buildinfo.FullVersion())
		return
	}

	cfg, err := LoadConfig(configFlag)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	applyFlagOverrides(&cfg)

	if cfg.Broker.URL == "" {
		url, err := discoverBroker(5 * time.Second)
		if err != nil {
			log.Fatalf("No broker URL configured and discovery failed: %v", err)
		}
		log.Printf("Discovered broker at %s", url)
		cfg.Broker.URL = url
	}

	clientID, err := LoadClientID(filepath.Dir(configFlag))
	if err != nil {
		log.Printf("Warning: client id not persisted: %v", err)
	}

	agent := NewAgent(cfg, clientID)
	agent.Start(cfg.HealthCheckPeriod())
	log.Printf("%s %s started (broker=%s, mode=%s)", buildinfo.DisplayName, buildinfo.FullVersion(), cfg.Broker.URL, cfg.Detection.Mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	agent.Stop()
}

func applyFlagOverrides(cfg *Config) {
	if brokerFlag != "" {
		cfg.Broker.URL = brokerFlag
	}
	if endpointFlag != "" {
		cfg.Endpoint.URL = endpointFlag
	}
	if venueFlag != "" {
		cfg.Endpoint.VenueID = venueFlag
	}
	if modeFlag != "" {
		cfg.Detection.Mode = modeFlag
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
}

// discoverBroker browses mDNS for the broker's message channel service and
// returns a ws:// URL for the first instance found.
func discoverBroker(timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Browse(ctx, brokerMDNSService, "local.", entries); err != nil {
		return "", fmt.Errorf("mDNS browse: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("no broker found within %s", timeout)
			}
			if entry == nil {
				continue
			}
			if len(entry.AddrIPv4) > 0 {
				return fmt.Sprintf("ws://%s:%d/", entry.AddrIPv4[0], entry.Port), nil
			}
			if entry.HostName != "" {
				return fmt.Sprintf("ws://%s:%d/", entry.HostName, entry.Port), nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("no broker found within %s", timeout)
		}
	}
}
