// meshbusd runs a meshbus bridge node: a WebSocket bridge endpoint other
// processes connect to, optionally a stdio pipe bridge (when spawned as a
// child) and optionally a NATS mirror for broker-based federation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/meshbus/internal/monitoring"
	"github.com/adred-codev/meshbus/pkg/bridge"
	"github.com/adred-codev/meshbus/pkg/bus"
	"github.com/adred-codev/meshbus/pkg/natsbridge"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{})
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()

	server, err := bridge.NewTCPServer(b, cfg.Bind, bridge.ServerOptions{
		HWM:            cfg.HWM,
		HWMTimeout:     cfg.HWMTimeout,
		SessionTimeout: cfg.SessionTimeout,
		AcceptRate:     rate.Limit(cfg.AcceptRate),
		AcceptBurst:    cfg.AcceptBurst,
		Logger:         logger.With().Str("component", "tcp-server").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind bridge endpoint")
	}
	defer server.Close()
	logger.Info().Str("addr", server.Addr().String()).Msg("bridge endpoint listening")

	if cfg.Stdio {
		pb := bridge.ConnectStdio(b, logger.With().Str("component", "stdio").Logger())
		defer pb.Close()
	}

	if cfg.NATSURL != "" {
		nb, err := natsbridge.Connect(b, natsbridge.Options{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSPrefix,
			Channels:      cfg.NATSChannels,
			Logger:        logger.With().Str("component", "nats").Logger(),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect NATS bridge")
		}
		defer nb.Close()
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		defer ms.Close()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
	}

	if cfg.PingInterval > 0 {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					server.SendPing()
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}
