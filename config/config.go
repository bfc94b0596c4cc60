package config

import (
	_ "embed"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for update mode configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultHostname     = "LoRa32-T3-Sender"
	DefaultOTAPort      = uint16(4242)
	DefaultJoinAttempts = 5
	DefaultJoinTimeout  = 30 * time.Second
)

var (
	//go:embed hostname.text
	hostnameOverride string

	//go:embed ota_port.text
	otaPortOverride string

	//go:embed join_attempts.text
	joinAttemptsOverride string

	//go:embed join_timeout.text
	joinTimeoutOverride string

	// Empty broker.text disables status publishing.
	//go:embed broker.text
	brokerAddr string
)

// Hostname returns the name the device advertises on the network.
func Hostname() string {
	return stringOr(hostnameOverride, DefaultHostname)
}

// OTAPort returns the TCP port of the update listener.
func OTAPort() uint16 {
	return portOr(otaPortOverride, DefaultOTAPort)
}

// JoinAttempts returns how many times joining the WiFi network is attempted.
func JoinAttempts() int {
	return positiveIntOr(joinAttemptsOverride, DefaultJoinAttempts)
}

// JoinTimeout bounds a single WiFi join attempt.
func JoinTimeout() time.Duration {
	return durationOr(joinTimeoutOverride, DefaultJoinTimeout)
}

// BrokerAddr returns the MQTT broker from broker.text.
// Format: "host:port" e.g., "192.168.1.100:1883". ok is false when unset.
func BrokerAddr() (addr netip.AddrPort, ok bool, err error) {
	s := strings.TrimSpace(brokerAddr)
	if s == "" {
		return netip.AddrPort{}, false, nil
	}
	addr, err = netip.ParseAddrPort(s)
	return addr, err == nil, err
}

func stringOr(override, def string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	return def
}

func portOr(override string, def uint16) uint16 {
	if s := strings.TrimSpace(override); s != "" {
		if p, err := strconv.ParseUint(s, 10, 16); err == nil && p != 0 {
			return uint16(p)
		}
	}
	return def
}

func positiveIntOr(override string, def int) int {
	if s := strings.TrimSpace(override); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func durationOr(override string, def time.Duration) time.Duration {
	if s := strings.TrimSpace(override); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}
