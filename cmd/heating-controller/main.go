// Command heating-controller evaluates per-room heating targets and drives
// the room actuators over MQTT and GPIO.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/heating-controller/internal/aicontrol"
	"github.com/sweeney/heating-controller/internal/config"
	"github.com/sweeney/heating-controller/internal/engine"
	"github.com/sweeney/heating-controller/internal/gpio"
	"github.com/sweeney/heating-controller/internal/history"
	"github.com/sweeney/heating-controller/internal/metrics"
	"github.com/sweeney/heating-controller/internal/mqtt"
	"github.com/sweeney/heating-controller/internal/predict"
	"github.com/sweeney/heating-controller/internal/schedule"
	"github.com/sweeney/heating-controller/internal/status"
	"github.com/sweeney/heating-controller/internal/store"
	"github.com/sweeney/heating-controller/internal/web"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath string
	broker     string
	clientID   string
	httpAddr   string
	dbPath     string
	heartbeat  time.Duration
	logLevel   string
	wsBroker   string
	gpioChip   string
	activeLow  bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "/etc/heating-controller/config.yaml", "Path to the YAML configuration")
	flag.StringVar(&o.broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address")
	flag.StringVar(&o.clientID, "client-id", "heating-controller", "MQTT client id")
	flag.StringVar(&o.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	flag.StringVar(&o.dbPath, "db", "/var/lib/heating-controller/heating.db", "SQLite database path")
	flag.DurationVar(&o.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	flag.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&o.wsBroker, "ws-broker", "=broker", `MQTT websocket URL for live UI ("=broker" derives from --broker, "off" disables)`)
	flag.StringVar(&o.gpioChip, "gpio-chip", gpio.DefaultChip, "GPIO chip driving room relays")
	flag.BoolVar(&o.activeLow, "gpio-active-low", false, "Energise relays by driving the line low")
	flag.Parse()

	logger, err := newLogger(o.logLevel)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	defer logger.Sync()

	o.wsBroker = resolveWSBroker(o.wsBroker, o.broker, logger)
	if err := run(o, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

func run(o options, logger *zap.Logger) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := store.Open(o.dbPath, logger.Named("store"))
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()

	hist := history.NewService(db, logger.Named("history"),
		history.WithCycleHook(func(c history.Cycle) { m.CycleCompleted(c.Room) }))
	defer hist.Close()

	var models predict.ModelStore = db
	if cfg.AI.ModelDir != "" {
		fs, err := predict.NewFileStore(modelDir(cfg.AI.ModelDir, o.dbPath))
		if err != nil {
			return err
		}
		models = fs
	}

	ai := aicontrol.NewController(cfg.AIControl(), hist, models, logger.Named("ai"),
		aicontrol.WithTrainingHook(m.Training))
	defer ai.Dispose()

	ctx := context.Background()
	if data, ok, err := db.LoadHistory(ctx); err != nil {
		logger.Warn("failed to load history", zap.Error(err))
	} else if ok {
		ai.LoadHistory(data)
		logger.Info("history restored", zap.Int("rooms", len(hist.Rooms())))
	}
	restoreModels(ctx, ai, cfg.RoomNames(), logger)

	periods := schedule.NewService(cfg.Periods, ai.Base(), logger.Named("periods"))

	readings := mqtt.NewReadings(time.Local)
	client, err := mqtt.NewClient(o.broker, o.clientID, readings, logger.Named("mqtt"))
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer client.Close()

	engineOpts := []engine.Option{engine.WithMetrics(m)}
	if pins := relayPins(cfg); len(pins) > 0 {
		relays, err := gpio.NewRealWriter(o.gpioChip, pins, o.activeLow)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer relays.Close()
		engineOpts = append(engineOpts, engine.WithRelays(relays))
	}

	eng := engine.New(engine.Config{
		Rooms:         cfg.RoomNames(),
		BoostInterval: cfg.BoostInterval,
		PauseInterval: cfg.PauseInterval,
		Weather:       cfg.WeatherGate(),
		Location:      time.Local,
	}, readings, readings, db, client, periods, ai, logger.Named("engine"), engineOpts...)
	defer eng.Wait()

	tracker := status.NewTracker(time.Now(), status.Config{
		Mode:             cfg.Mode,
		UpdateIntervalMs: cfg.UpdateInterval.Milliseconds(),
		HeartbeatMs:      o.heartbeat.Milliseconds(),
		Broker:           o.broker,
		HTTPPort:         o.httpAddr,
		Database:         o.dbPath,
		WSBroker:         o.wsBroker,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.SetMQTTConnected(client.IsConnected())

	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := client.PublishSystem(startup); err != nil {
		logger.Warn("failed to publish startup event", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if o.httpAddr != "" {
		srv := web.New(o.httpAddr, tracker, ai, m.Handler())
		g.Go(func() error {
			logger.Info("http status server listening", zap.String("addr", o.httpAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		err := config.Watch(ctx, o.configPath, logger.Named("config"), func(next *config.Config) {
			if err := next.Validate(); err != nil {
				logger.Warn("ignoring invalid config", zap.Error(err))
				return
			}
			periods.UpdatePeriods(next.Periods)
			eng.SetWeather(next.WeatherGate())
			applyAI(ctx, ai, next.AI.Enabled, next.RoomNames(), logger)
		})
		if err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
		}
		return nil
	})

	logger.Info("started",
		zap.Strings("rooms", cfg.RoomNames()),
		zap.Stringer("mode", cfg.Mode),
		zap.Duration("interval", cfg.UpdateInterval),
		zap.String("broker", o.broker),
		zap.Duration("heartbeat", o.heartbeat))

	ticker := time.NewTicker(cfg.UpdateInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		defer cancel()
		return runLoop(ctx, loopDeps{
			engine:    eng,
			ai:        ai,
			publisher: client,
			mqtt:      client,
			tracker:   tracker,
			logger:    logger,
		}, o.heartbeat, time.Now, ticker.C, sigCh)
	})

	return g.Wait()
}

// relayPins returns the GPIO offsets of rooms that have a relay.
func relayPins(cfg *config.Config) map[string]int {
	pins := make(map[string]int)
	for _, r := range cfg.Rooms {
		if r.GPIOPin != nil {
			pins[schedule.ShortRoom(r.Name)] = *r.GPIOPin
		}
	}
	return pins
}

type loopDeps struct {
	engine    *engine.Engine
	ai        *aicontrol.Controller
	publisher mqtt.Publisher
	mqtt      mqtt.ConnectionStatus
	tracker   *status.Tracker
	logger    *zap.Logger
}

// runLoop evaluates every room once at startup and then on each tick until a
// signal arrives or ctx is cancelled.
func runLoop(ctx context.Context, d loopDeps, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	evaluate := func() {
		t := now()
		d.engine.Tick(ctx)
		d.tracker.Update(t, d.engine.Rooms(), d.engine.Counts(), d.ai.IsAIEnabled(), d.engine.WeatherDescription())
		if d.mqtt != nil {
			d.tracker.SetMQTTConnected(d.mqtt.IsConnected())
		}

		hb := d.engine.Heartbeat(t, heartbeat)
		if hb == nil {
			return
		}
		d.logger.Info("heartbeat",
			zap.Duration("uptime", hb.Uptime),
			zap.Int("engine_on", hb.Counts.On),
			zap.Int("engine_off", hb.Counts.Off))
		if net := readNetworkInfo(); net != nil {
			d.tracker.SetNetwork(net)
		}
		snap := d.tracker.Snapshot()
		event := mqtt.SystemEvent{
			Timestamp:  hb.Timestamp,
			Event:      "HEARTBEAT",
			RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
		}
		if err := d.publisher.PublishSystem(event); err != nil {
			d.logger.Warn("heartbeat publish error", zap.Error(err))
		}
	}

	evaluate()
	for {
		select {
		case s := <-sig:
			d.logger.Info("shutting down", zap.Stringer("signal", s))
			d.shutdown(now(), signalName(s))
			return nil

		case <-ctx.Done():
			d.shutdown(now(), "CANCELLED")
			return nil

		case <-tick:
			evaluate()
		}
	}
}

func (d loopDeps) shutdown(at time.Time, reason string) {
	if d.mqtt != nil {
		d.tracker.SetMQTTConnected(d.mqtt.IsConnected())
	}
	snap := d.tracker.Snapshot()
	event := mqtt.SystemEvent{
		Timestamp:  at,
		Event:      "SHUTDOWN",
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", reason),
	}
	if err := d.publisher.PublishSystem(event); err != nil {
		d.logger.Warn("failed to publish shutdown event", zap.Error(err))
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

// resolveWSBroker converts the --ws-broker flag value into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; empty disables.
func resolveWSBroker(ws, broker string, logger *zap.Logger) string {
	if ws == "off" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		logger.Warn("ws-broker: cannot parse broker", zap.String("broker", broker), zap.Error(err))
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}

// restoreModels loads the stored model of every room from the configured
// model store.
func restoreModels(ctx context.Context, ai *aicontrol.Controller, rooms []string, logger *zap.Logger) int {
	n := ai.LoadModels(ctx, rooms)
	if n > 0 {
		logger.Info("models restored", zap.Int("count", n))
	}
	return n
}

// applyAI switches model-assisted control and restores stored models when it
// turns on.
func applyAI(ctx context.Context, ai *aicontrol.Controller, enabled bool, rooms []string, logger *zap.Logger) int {
	was := ai.IsAIEnabled()
	ai.SetAIEnabled(enabled)
	if was || !ai.IsAIEnabled() {
		return 0
	}
	return restoreModels(ctx, ai, rooms, logger)
}

// modelDir resolves a relative model directory against the database directory.
func modelDir(dir, dbPath string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(filepath.Dir(dbPath), dir)
}
