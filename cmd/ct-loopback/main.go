// ct-loopback exercises a command transport channel end to end against a
// simulated device: blocking echo requests, a non-blocking send with a
// reserved reply, and an event round-trip. Useful for eyeballing latency
// and for soak-testing the flow-control accounting.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub002/internal/transport/ct"
	"github.com/intel-gpu/intel-gpu-i915-backports-sub002/internal/transport/ct/ctsim"
)

const (
	actionEcho       = 0x100
	actionPing       = 0x101
	actionPingReply  = 0x181
	actionNoiseEvent = 0x200
)

func main() {
	configPath := flag.String("config", "", "path to TOML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ct-loopback: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)

	if cfg.MetricsAddr != "" {
		ct.RegisterMetrics()
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("loopback failed")
	}
}

func initLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Str("app", "ct-loopback").Logger().Level(lvl)
}

func run(cfg loopbackConfig, logger zerolog.Logger) error {
	region, err := ct.NewMemoryRegion(cfg.SendRingWords, cfg.RecvRingWords)
	if err != nil {
		return err
	}
	defer region.Close()

	dev := ctsim.New(region, logger)
	ch, err := ct.NewChannel(region, ct.Options{
		Logger:             logger,
		Doorbell:           dev.Doorbell(),
		CoerceFastRequests: cfg.CoerceFast,
		ReplyTimeout:       cfg.ReplyTimeout,
		StallTimeout:       cfg.StallTimeout,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	dev.SetNotify(ch.NotifyReceive)
	dev.Start()
	defer dev.Stop()

	pingDone := make(chan struct{}, 1)
	ch.RegisterHandler(actionPingReply, actionPingReply, func(action uint32, payload []uint32) {
		select {
		case pingDone <- struct{}{}:
		default:
		}
	})
	ch.RegisterHandler(actionNoiseEvent, actionNoiseEvent, func(action uint32, payload []uint32) {
		logger.Debug().Uint32("action", action).Int("words", len(payload)).Msg("noise event")
	})

	if err := ch.Enable(); err != nil {
		return err
	}

	// The simulated device echoes the request payload back.
	payload := make([]uint32, cfg.PayloadWords)
	for i := range payload {
		payload[i] = uint32(i)
	}
	dev.Respond(actionEcho, ctsim.Script{Type: ct.TypeResponseSuccess, Payload: payload})
	dev.Respond(actionPing, ctsim.Script{Type: ct.TypeEvent, Action: actionPingReply})

	resp := make([]uint32, cfg.PayloadWords)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < cfg.Requests; i++ {
		n, _, err := ch.Send(ctx, actionEcho, payload, resp)
		if err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
		if n != len(payload) {
			return fmt.Errorf("request %d: short echo: %d words", i, n)
		}
	}
	elapsed := time.Since(start)
	logger.Info().
		Int("requests", cfg.Requests).
		Dur("elapsed", elapsed).
		Dur("per_request", elapsed/time.Duration(cfg.Requests)).
		Msg("blocking echo round-trips done")

	// Non-blocking ping with a reserved reply slot.
	if err := ch.SendAsync(actionPing, nil, ct.Reservation{Action: actionPingReply, Words: 0}); err != nil {
		return fmt.Errorf("async ping: %w", err)
	}
	select {
	case <-pingDone:
		logger.Info().Msg("async ping completed")
	case <-time.After(cfg.ReplyTimeout):
		return fmt.Errorf("async ping: no completion event")
	}

	snap := ch.Snapshot()
	logger.Info().
		Uint32("send_head", snap.SendHead).
		Uint32("send_tail", snap.SendTail).
		Uint32("recv_reserved", snap.RecvReserved).
		Int("pending", snap.PendingReqs).
		Msg("final channel state")
	return nil
}
