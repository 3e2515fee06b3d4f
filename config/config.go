// Package config holds build-time configuration for a single device image,
// following the embed-a-text-file-per-setting pattern this loader family
// uses so a board can be re-flashed with new settings without touching the
// Go source: drop a new value in the .text file and rebuild.
package config

import (
	_ "embed"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for settings that have one; these can be overridden by placing
// a non-empty value in the corresponding .text file.
const (
	DefaultStatusRepublishInterval = 5 * time.Second
	DefaultNetflashPort            = 6969
	DefaultNTPServer               = "time.cloudflare.com"
)

// Environment-specific configuration (must be provided via embedded text
// files; the build fails to compile meaningfully without them).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed status_republish_interval.text
	statusRepublishIntervalOverride string

	//go:embed netflash_port.text
	netflashPortOverride string

	//go:embed ntp_server.text
	ntpServerOverride string
)

// BrokerAddr returns the MQTT broker address advisory status is published
// to, read from broker.text. Format: "host:port".
func BrokerAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(strings.TrimSpace(brokerAddr))
}

// ClientID returns the MQTT client ID this device publishes status under,
// read from clientid.text.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// StatusRepublishInterval returns how often the MQTT status publisher
// resends the most recent advisory message, for the life of the device.
// Returns DefaultStatusRepublishInterval unless overridden via
// status_republish_interval.text.
func StatusRepublishInterval() time.Duration {
	if override := strings.TrimSpace(statusRepublishIntervalOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultStatusRepublishInterval
}

// NetflashPort returns the TCP port the network UF2 receiver listens on.
// Returns DefaultNetflashPort unless overridden via netflash_port.text.
func NetflashPort() int {
	if override := strings.TrimSpace(netflashPortOverride); override != "" {
		if port, err := strconv.Atoi(override); err == nil {
			return port
		}
	}
	return DefaultNetflashPort
}

// NTPServer returns the NTP server hostname telemetry timestamps are
// synchronized against. Returns DefaultNTPServer unless overridden via
// ntp_server.text.
func NTPServer() string {
	if override := strings.TrimSpace(ntpServerOverride); override != "" {
		return override
	}
	return DefaultNTPServer
}
