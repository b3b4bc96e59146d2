// Command airptpd runs the airptp grandmaster clock as a standalone
// process, independent of the player daemon, for setups that want PTP
// timekeeping available before (or without) meridian itself running.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tobiasen/meridian/internal/airptp"
)

func main() {
	var (
		seed        uint64
		eventPort   int
		generalPort int
		shared      bool
		logLevel    string
	)
	flag.Uint64Var(&seed, "seed", 0, "low 48 bits of the clock identity (0=random)")
	flag.IntVar(&eventPort, "event-port", airptp.EventPort, "PTP event-message UDP port")
	flag.IntVar(&generalPort, "general-port", airptp.GeneralPort, "PTP general-message UDP port")
	flag.BoolVar(&shared, "shared", true, "refresh the clock id status returned by Find (same process only)")
	flag.StringVar(&logLevel, "loglevel", "info", "zerolog level")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if seed == 0 {
		seed = rand.Uint64() & 0xFFFFFFFFFFFF
	}

	d, err := airptp.Bind()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind PTP sockets")
	}
	if eventPort != airptp.EventPort || generalPort != airptp.GeneralPort {
		if err := d.PortsOverride(eventPort, generalPort); err != nil {
			log.Fatal().Err(err).Msg("failed to override PTP ports")
		}
	}
	if err := d.Start(seed, shared); err != nil {
		log.Fatal().Err(err).Msg("failed to start PTP daemon")
	}

	log.Info().
		Str("clock_id", formatClockID(d.ClockIDGet())).
		Int("event_port", eventPort).
		Int("general_port", generalPort).
		Msg("airptp daemon running")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	d.End()
}

func formatClockID(id uint64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hex[id&0xF]
		id >>= 4
	}
	return string(b)
}
