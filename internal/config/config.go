// Package config loads the player daemon's configuration from flags and
// environment variables, in that precedence order (env overrides flags),
// following the switchboard teacher's Load() shape.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// DeviceConfig is one statically-configured (non-discovered) output device,
// e.g. a RAOP speaker with a known address and a remembered auth key.
type DeviceConfig struct {
	Name      string
	Address   string
	Password  string
	AuthKey   string
	OffsetMS  int // ±1000, delay applied on top of OUTPUTS_BUFFER_DURATION
	Permanent bool
}

// Config is the player daemon's full configuration surface.
type Config struct {
	LogLevel string
	LogFile  string

	// Player tick driver
	TickInterval       time.Duration
	ReadDeficitMaxMS   int // PLAYER_READ_BEHIND_MAX
	WriteDeficitMaxMS  int // PLAYER_WRITE_BEHIND_MAX
	ClearQueueOnAbort  bool
	OutputBufferMS     int // OUTPUTS_BUFFER_DURATION, in ms

	// RAOP
	RaopAudioPort   int // 0 = ephemeral
	RaopControlPort int
	RaopTimingPort  int

	// airptp
	AirptpSeed     uint64
	AirptpShared   bool
	AirptpEventPort   int
	AirptpGeneralPort int

	// Roku RCP/SoundBridge (it pulls its audio over HTTP from us)
	RCPStreamPort int

	// mDNS discovery
	DiscoveryEnabled bool

	// gRPC health endpoint
	HealthAddr string

	AdvertiseAddr string

	Devices []DeviceConfig
}

// Load parses flags, then applies environment variable overrides.
func Load() *Config {
	cfg := &Config{
		TickInterval:      10 * time.Millisecond,
		ReadDeficitMaxMS:  1500,
		WriteDeficitMaxMS: 1500,
		OutputBufferMS:    2000,
		DiscoveryEnabled:  true,
	}

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "logfile", "", "Optional path to a debug log file")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "Player tick period")
	flag.IntVar(&cfg.ReadDeficitMaxMS, "read-behind-max-ms", cfg.ReadDeficitMaxMS, "Max accumulated short-read deficit before suspending playback")
	flag.IntVar(&cfg.WriteDeficitMaxMS, "write-behind-max-ms", cfg.WriteDeficitMaxMS, "Max tick-timer overrun before aborting playback")
	flag.BoolVar(&cfg.ClearQueueOnAbort, "clear-queue-on-abort", false, "Clear the play queue when playback aborts fatally")
	flag.IntVar(&cfg.OutputBufferMS, "output-buffer-ms", cfg.OutputBufferMS, "Output buffering delay before the first audible sample")
	flag.IntVar(&cfg.RaopAudioPort, "raop-audio-port", 0, "Fixed local UDP port for RAOP audio (0=ephemeral)")
	flag.IntVar(&cfg.RaopControlPort, "raop-control-port", 0, "Fixed local UDP port for RAOP control/retransmit")
	flag.IntVar(&cfg.RaopTimingPort, "raop-timing-port", 0, "Fixed local UDP port for RAOP timing sync")
	flag.Uint64Var(&cfg.AirptpSeed, "airptp-seed", 0, "Low 48 bits seed for the airptp clock id (0=random)")
	flag.BoolVar(&cfg.AirptpShared, "airptp-shared", true, "Refresh the airptp clock id status returned by Find (same process only)")
	flag.IntVar(&cfg.AirptpEventPort, "airptp-event-port", 319, "airptp event-message UDP port")
	flag.IntVar(&cfg.AirptpGeneralPort, "airptp-general-port", 320, "airptp general-message UDP port")
	flag.IntVar(&cfg.RCPStreamPort, "rcp-stream-port", 3689, "HTTP port Roku SoundBridge devices pull stream.mp3 from")
	flag.BoolVar(&cfg.DiscoveryEnabled, "mdns-discovery", cfg.DiscoveryEnabled, "Browse _raop._tcp and _googlecast._tcp via mDNS")
	flag.StringVar(&cfg.HealthAddr, "health-addr", ":9091", "gRPC health-check listen address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise to discovered devices (auto-detected if empty)")
	flag.Parse()

	if v := os.Getenv("MERIDIAN_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MERIDIAN_AIRPTP_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.AirptpSeed = n
		}
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}

	return cfg
}

// primaryInterfaceIP picks the first non-loopback IPv4 address, falling
// back to localhost if none is found.
func primaryInterfaceIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// ParseAddressList splits a comma-separated address list, trimming blanks.
func ParseAddressList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
