package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	alertshttp "camera-events/internal/alerts/interfaces/http"
	"camera-events/internal/alerts/notify"
	"camera-events/internal/alerts/throttle"
	"camera-events/internal/auth"
	"camera-events/internal/config"
	"camera-events/internal/device"
	"camera-events/internal/device/onvif"
	"camera-events/internal/events/eventbus"
	"camera-events/internal/events/normalize"
	"camera-events/internal/ingest"
	ingesthttp "camera-events/internal/ingest/interfaces/http"
	"camera-events/internal/observability/logging"
	"camera-events/internal/observability/metrics"
	"camera-events/internal/status"
	"camera-events/internal/subscription"
)

const shutdownTimeout = 15 * time.Second

func main() {
	issueRole := flag.String("issue-token", "", "print a bearer token for the given role (viewer, operator, admin) and exit")
	issueSubject := flag.String("token-subject", "cli", "subject claim for -issue-token")
	issueTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	if *issueRole != "" {
		if err := printToken(cfg, *issueRole, *issueSubject, *issueTTL); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("camera-events stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	normalizer := normalize.New(logger)
	bus := eventbus.New()
	pipeline, err := ingest.NewPipeline(normalizer, bus, logger)
	if err != nil {
		return fmt.Errorf("ingest pipeline: %w", err)
	}

	gatewayOpts := []onvif.Option{
		onvif.WithCredentials(cfg.Device.Username, cfg.Device.Password),
		onvif.WithTimeout(cfg.Device.Timeout),
		onvif.WithTermination(cfg.Subscription.Termination),
	}
	if cfg.Device.EventsURL != "" {
		gatewayOpts = append(gatewayOpts, onvif.WithEventsURL(cfg.Device.EventsURL))
	}
	gateway, err := onvif.NewClient(cfg.Device.URL, gatewayOpts...)
	if err != nil {
		return fmt.Errorf("device gateway: %w", err)
	}

	throttleEngine := throttle.New(throttleConfig(cfg.Throttle))
	channel, err := notify.NewWebhookChannel(cfg.Webhook.URL, notify.WithUserAgent(cfg.Webhook.UserAgent))
	if err != nil {
		return fmt.Errorf("webhook channel: %w", err)
	}
	tpl, err := notify.NewTemplate(cfg.Alerts.Template)
	if err != nil {
		return &config.ConfigurationError{Field: "ALERT_TEMPLATE", Reason: "parse", Err: err}
	}
	broker := alertshttp.NewSSEBroker()
	dispatcher, err := notify.NewDispatcher(channel, throttleEngine, tpl, logger,
		notify.WithSettings(deliverySettings(cfg.Runtime().Delivery)),
		notify.WithCategories(cfg.Alerts.Categories...),
		notify.WithInitializedAlerts(!cfg.Alerts.SkipInitialized),
		notify.WithReporter(notify.NewLogReporter(logger)),
		notify.WithReporter(broker),
	)
	if err != nil {
		return fmt.Errorf("alert dispatcher: %w", err)
	}
	unsubscribe := bus.SubscribeAll(dispatcher.Handle)
	defer unsubscribe()

	infoCtx, cancelInfo := context.WithTimeout(ctx, cfg.Device.Timeout)
	info, err := gateway.DeviceInfo(infoCtx)
	cancelInfo()
	if err != nil {
		logger.Warn().Err(err).Msg("device information unavailable; alerts carry no camera context")
	} else {
		dispatcher.SetCameraInfo(&notify.CameraInfo{
			Hostname:     info.Hostname,
			Model:        info.Model,
			Manufacturer: info.Manufacturer,
			Firmware:     info.Firmware,
			Serial:       info.Serial,
		})
		logger.Info().Str("model", info.Model).Str("firmware", info.Firmware).Msg("device identified")
	}

	manager, err := subscription.NewManager(gateway, pipeline, subscription.Config{
		Mode:          cfg.Mode(),
		CallbackURL:   cfg.Receiver.CallbackURL,
		PollInterval:  cfg.Subscription.PollInterval,
		MessageLimit:  cfg.Subscription.MessageLimit,
		PollTimeout:   cfg.Subscription.PollTimeout,
		DeviceTimeout: cfg.Device.Timeout,
		MaxRetries:    cfg.Subscription.MaxRetries,
		RetryCreate:   cfg.Subscription.RetryCreate,
		RenewInterval: cfg.Subscription.RenewInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("subscription manager: %w", err)
	}

	statusService, err := status.NewService(manager, pipeline, dispatcher, throttleEngine)
	if err != nil {
		return fmt.Errorf("status service: %w", err)
	}
	statusHandler, err := status.NewHandler(statusService, logger)
	if err != nil {
		return fmt.Errorf("status handler: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("AUTH_JWT_SECRET not set; admin API is unauthenticated")
	}
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy, logger)

	mux := http.NewServeMux()
	statusHandler.Register(mux)
	mux.Handle("/api/v1/alerts/stream", alertshttp.NewStreamHandler(broker))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpLogger := logger.With().Str("component", "http").Logger()
	servers := []*http.Server{{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), httpLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.Mode() == device.ModePush {
		receiver, err := ingesthttp.NewReceiver(cfg.Receiver.Prefix, pipeline, logger,
			ingesthttp.WithMaxBodyBytes(cfg.Receiver.MaxBodyBytes))
		if err != nil {
			return fmt.Errorf("notification receiver: %w", err)
		}
		servers = append(servers, &http.Server{
			Addr:              cfg.Receiver.Addr,
			Handler:           loggingMiddleware(receiver, httpLogger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		})
	}

	serveErr := make(chan error, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		logger.Info().Str("addr", srv.Addr).Msg("http listening")
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv, ln)
	}

	if cfg.Watch {
		watcher, err := config.NewWatcher(cfg, logger)
		if err != nil {
			return err
		}
		watchDone := make(chan struct{})
		updates := watcher.Subscribe(1)
		go func() {
			for rt := range updates {
				throttleEngine.Apply(throttleConfig(rt.Throttle))
				dispatcher.Apply(deliverySettings(rt.Delivery))
				logger.Info().
					Dur("window", rt.Throttle.Window).
					Int("max_per_window", rt.Throttle.MaxPerWindow).
					Dur("debounce", rt.Throttle.Debounce).
					Int("retry_attempts", rt.Delivery.RetryAttempts).
					Msg("runtime settings applied")
			}
		}()
		watchCtx, cancelWatch := context.WithCancel(context.Background())
		go func() {
			defer close(watchDone)
			_ = watcher.Run(watchCtx)
			watcher.Unsubscribe(updates)
		}()
		defer func() {
			cancelWatch()
			<-watchDone
		}()
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start subscription: %w", err)
	}
	logger.Info().
		Str("mode", string(cfg.Mode())).
		Str("state", string(manager.State())).
		Str("device", cfg.Device.URL).
		Msg("camera-events started")
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("sd_notify ready failed")
	} else if ok {
		logger.Debug().Msg("sd_notify ready sent")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case runErr = <-serveErr:
		logger.Error().Err(runErr).Msg("http server failed")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	manager.Stop(shutdownCtx)
	broker.Close()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("http shutdown")
		}
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("alert dispatcher close")
	}
	stats := dispatcher.Stats()
	logger.Info().
		Uint64("events_processed", pipeline.EventsProcessed()).
		Uint64("alerts_sent", stats.Sent).
		Uint64("alerts_failed", stats.Failed).
		Uint64("alerts_suppressed", stats.Suppressed).
		Msg("camera-events stopped")
	return runErr
}

func printToken(cfg config.Config, roleName, subject string, ttl time.Duration) error {
	if cfg.Auth.JWTSecret == "" {
		return auth.ErrNoSecret
	}
	role, ok := auth.NormalizeRole(roleName)
	if !ok {
		return fmt.Errorf("%w: %q", auth.ErrInvalidRole, roleName)
	}
	token, err := auth.IssueJWT([]byte(cfg.Auth.JWTSecret), subject, role, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func throttleConfig(c config.ThrottleConfig) throttle.Config {
	return throttle.Config{
		Window:       c.Window,
		MaxPerWindow: c.MaxPerWindow,
		Debounce:     c.Debounce,
	}
}

func deliverySettings(c config.DeliveryConfig) notify.Settings {
	return notify.Settings{
		RetryAttempts:  c.RetryAttempts,
		RetryDelay:     c.RetryDelay,
		AttemptTimeout: c.Timeout,
		RatePerSec:     c.RatePerSec,
	}
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", resp.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
