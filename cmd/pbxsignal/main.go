package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/pbxsignal/internal/api"
	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/callcontrol"
	"github.com/flowpbx/pbxsignal/internal/callsession"
	"github.com/flowpbx/pbxsignal/internal/config"
	"github.com/flowpbx/pbxsignal/internal/database"
	"github.com/flowpbx/pbxsignal/internal/events"
	"github.com/flowpbx/pbxsignal/internal/events/publisher"
	"github.com/flowpbx/pbxsignal/internal/gateway"
	"github.com/flowpbx/pbxsignal/internal/history"
	"github.com/flowpbx/pbxsignal/internal/history/pgstore"
	"github.com/flowpbx/pbxsignal/internal/metrics"
	"github.com/flowpbx/pbxsignal/internal/presence"
	"github.com/flowpbx/pbxsignal/internal/queuecall"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("pbxsignal failed", "error", err)
		os.Exit(1)
	}
	slog.Info("pbxsignal stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting pbxsignal",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"mqtt", cfg.MQTTBroker != "",
		"postgres", cfg.PostgresDSN != "",
		"call_control", cfg.CallControlURL != "",
	)

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return fmt.Errorf("decoding jwt secret: %w", err)
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	extensions := database.NewExtensionRepository(db)
	routes := database.NewRouteRepository(db)

	var store history.Store = database.NewCallRecordStore(db)
	if cfg.PostgresDSN != "" {
		pg, err := pgstore.New(appCtx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("opening postgres history store: %w", err)
		}
		defer pg.Close()
		store = pg
	}

	var pub publisher.Publisher = publisher.Noop{}
	if cfg.MQTTBroker != "" {
		mqttPub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connecting event publisher: %w", err)
		}
		pub = mqttPub
		slog.Info("publishing lifecycle events", "broker", cfg.MQTTBroker, "topic_prefix", cfg.MQTTTopicPrefix)
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatcher := events.NewDispatcher(pub, store, cfg.MQTTTopicPrefix, logger)
	go dispatcher.Run(dispatchCtx)

	var control callcontrol.Controller = callcontrol.Noop{Logger: logger}
	if cfg.CallControlURL != "" {
		control = callcontrol.NewClient(cfg.CallControlURL, cfg.CallControlKey)
	} else {
		slog.Warn("no call-control url configured, queue calls will not be bridged")
	}

	// Observers run in the order added; presence must come first.
	reg := registry.New(logger)
	dir := presence.New(reg, extensions, logger)
	calls := callsession.New(reg, dir, routes, dispatcher, callsession.Config{RingTimeout: cfg.RingTimeout}, logger)
	queue := queuecall.New(reg, dir, control, dispatcher, queuecall.Config{OfferTimeout: cfg.QueueOfferTimeout}, logger)
	reg.AddObserver(dir)
	reg.AddObserver(calls)
	reg.AddObserver(queue)

	corsOrigins := middleware.ParseCORSOrigins(cfg.CORSOrigins)
	gw := gateway.New(gateway.NewTokenAuthenticator(secret, extensions), reg, dir, calls, queue, gateway.Config{
		AuthTimeout:    cfg.AuthTimeout,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		ValidateSDP:    cfg.ValidateSDP,
		AllowedOrigins: corsOrigins,
	}, logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.Options{
			Connections: reg,
			Calls: metrics.StateCounterFunc(func() map[string]int {
				return stateCounts(calls.CountByState())
			}),
			CallStates: []string{string(callsession.StateRinging), string(callsession.StateConnected)},
			QueueCalls: metrics.StateCounterFunc(func() map[string]int {
				return stateCounts(queue.CountByState())
			}),
			QueueStates: []string{string(queuecall.StateOffered), string(queuecall.StateTaken), string(queuecall.StateConnected)},
			Events:      dispatcher,
			StartTime:   startTime,
		}),
	)

	handler := api.NewServer(api.Deps{
		Extensions:     extensions,
		History:        store,
		Presence:       dir,
		QueueCalls:     queue,
		Gateway:        gw,
		Metrics:        promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		JWTSecret:      secret,
		CallControlKey: cfg.CallControlKey,
		CORSOrigins:    corsOrigins,
		Logger:         logger,
	})
	defer handler.Close()

	// No WriteTimeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	reg.Each(func(c registry.Conn) { c.Close("server shutting down") })
	gw.Wait()

	if err := queue.Close(ctx); err != nil {
		slog.Error("queue bridge shutdown error", "error", err)
	}

	stopDispatch()
	dispatcher.Wait()
	if err := dispatcher.Close(); err != nil {
		slog.Error("event publisher close error", "error", err)
	}

	return serveErr
}

func stateCounts[S ~string](in map[S]int) map[string]int {
	out := make(map[string]int, len(in))
	for state, n := range in {
		out[string(state)] = n
	}
	return out
}
