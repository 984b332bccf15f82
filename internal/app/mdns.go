package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_bletracker._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "bletracker"
)

// startMDNS advertises the server so gateways on the LAN can find the broker.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("BLE Tracker (%s)", hostname))
	txt := mdnsTXT(port, a.cfg.HTTPPort, a.broker != nil, a.cfg.TopicPrefix, hostname)

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(port, httpPort int, embedded bool, topicPrefix, hostname string) []string {
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	txt := []string{
		fmt.Sprintf("http_port=%d", httpPort),
		fmt.Sprintf("topic=%s/+/beacons", strings.Trim(topicPrefix, "/")),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	if embedded {
		txt = append(txt, fmt.Sprintf("mqtt_port=%d", port))
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		cleaned = "BLE Tracker"
	}
	return truncateRunes(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned := replacer.Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	// Host labels must be <=63 characters.
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
