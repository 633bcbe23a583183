package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/internal/config"
	"github.com/rmacdonaldsmith/relayhub/internal/healthcheck"
	"github.com/rmacdonaldsmith/relayhub/internal/httpapi"
	hubimpl "github.com/rmacdonaldsmith/relayhub/internal/hub"
	"github.com/rmacdonaldsmith/relayhub/internal/metrics"
	"github.com/rmacdonaldsmith/relayhub/internal/wsconn"
)

// app owns the hub and the optional operator and health listeners
type app struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	hub      *hubimpl.WebSocketHub
	api      *httpapi.Server     // nil when admin.port is 0
	health   *healthcheck.Server // nil when health.grpc_port is 0
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	feed := httpapi.NewEventFeed()

	hubConfig := hubimpl.NewConfig(cfg.ListenAddress())
	hubConfig.Path = cfg.Path
	hubConfig.AdvertiseHost = cfg.AdvertiseHost
	hubConfig.Transport = wsconn.Config{
		MaxPayloadBytes: int(cfg.MaxPayloadBytes),
		MaxQueue:        cfg.MaxQueue,
		WriteTimeout:    cfg.WriteTimeout,
		PingInterval:    cfg.PingInterval,
	}
	hubConfig.HandshakeTimeout = cfg.HandshakeTimeout
	hubConfig.ShutdownTimeout = cfg.ShutdownTimeout
	hubConfig.DuplicatePolicy = cfg.Policy()
	hubConfig.ReportMissingStreams = cfg.ReportMissingStreams
	hubConfig.DepthWidth = cfg.Frame.DepthWidth
	hubConfig.DepthHeight = cfg.Frame.DepthHeight
	hubConfig.MaxFramePixels = cfg.Frame.MaxPixels
	hubConfig.OnMessage = feed.ClientMessage
	hubConfig.Metrics = m
	hubConfig.Logger = logger

	h, err := hubimpl.NewWebSocketHub(hubConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	a := &app{logger: logger, registry: reg, hub: h}

	if cfg.Admin.Port != 0 {
		a.api = httpapi.NewServer(h, feed, httpapi.Config{
			ListenAddress: net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Admin.Port)),
			SecretKey:     cfg.Admin.SecretKey,
			TokenTTL:      cfg.Admin.TokenTTL,
			Gatherer:      reg,
			MaxBodyBytes:  cfg.MaxPayloadBytes,
			Logger:        logger,
		})
	}

	if cfg.Health.GRPCPort != 0 {
		a.health, err = healthcheck.NewServer(healthcheck.Config{
			ListenAddress: net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Health.GRPCPort)),
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create health server: %w", err)
		}
	}

	return a, nil
}

// start brings the hub up first so operators never see a listener without it
func (a *app) start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if a.api != nil {
		if err := a.api.Start(ctx); err != nil {
			return fmt.Errorf("failed to start operator API: %w", err)
		}
	}
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		a.health.SetServing(true)
	}

	a.logger.Info("Hub ready", zap.String("address", a.hub.Address()), zap.String("url", a.hub.URL()))
	return nil
}

// shutdown reports NOT_SERVING, sends SERVER_CLOSING to every client, then
// closes the remaining listeners
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.health != nil {
		a.health.SetServing(false)
	}
	if err := a.hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("operator API: %w", err))
		}
	}
	if a.health != nil {
		if err := a.health.Close(); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if err := a.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}

	return errors.Join(errs...)
}
