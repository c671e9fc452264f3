package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/logger"
	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/chat"
	"github.com/harun/courier/pkg/conversation"
	"github.com/harun/courier/pkg/gateway"
	"github.com/harun/courier/pkg/registry"
	"github.com/harun/courier/pkg/relay"
)

// Daemon represents the courier service process
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store    conversation.Store
	presence *registry.Registry
	relay    *relay.Relay
	chat     *chat.Service

	// Services
	gatewayServer *gateway.Server
	scheduler     *cron.Cron
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a new daemon instance. The store is opened immediately so
// configuration problems surface before anything listens.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := d.initializeCoreModules(); err != nil {
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		_ = d.store.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules opens the store and builds the delivery path
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	store, err := openStore(d.config.Store, zl)
	if err != nil {
		return err
	}
	d.store = conversation.Instrument(store, observability.RecordStoreOp)
	zl.Info().Str("driver", d.config.Store.Driver).Str("path", d.config.Store.Path).Msg("Conversation store opened")

	d.presence = registry.New()

	d.relay = relay.New(d.store, d.presence, relay.Config{
		PushTimeout:   d.config.Delivery.PushTimeoutDuration(),
		MaxConcurrent: d.config.Delivery.MaxFanout,
	}, zl)
	d.relay.SetHooks(relay.Hooks{
		OnPersisted: func(conversation.Message) {
			observability.RecordMessagePersisted()
		},
		OnDelivered: func(conversation.Message, string) {
			observability.RecordDelivery(true)
		},
		OnMiss: func(miss relay.DeliveryMiss) {
			observability.RecordDelivery(false)
			observability.RecordDeliveryMiss(string(miss.Reason))
		},
	})

	d.chat = chat.NewService(d.store, d.relay, zl)
	return nil
}

func openStore(cfg config.StoreConfig, log zerolog.Logger) (conversation.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return conversation.NewMemoryStore(), nil
	case config.DriverSQLite:
		return conversation.NewSQLiteStore(cfg.Path, log)
	case config.DriverBadger:
		return conversation.NewBadgerStore(cfg.Path, log)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// initializeServices builds the gateway and the stats reporter
func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:              d.config.Gateway.Host,
		Port:              d.config.Gateway.Port,
		SharedSecret:      d.config.Gateway.SharedSecret,
		JWTSecret:         d.config.Gateway.JWTSecret,
		AllowedOrigins:    d.config.Gateway.AllowedOrigins,
		TickInterval:      d.config.Gateway.TickDuration(),
		RequestsPerMinute: d.config.Gateway.RequestsPerMinute,
		MaxConcurrent:     d.config.Gateway.MaxConcurrent,
		SendBuffer:        d.config.Delivery.SendBuffer,
		WriteTimeout:      d.config.Delivery.WriteTimeoutDuration(),
		Chat:              d.chat,
		Presence:          d.presence,
		Logger:            zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer

	d.scheduler = cron.New()
	if d.config.Stats.Schedule != "" {
		if _, err := d.scheduler.AddFunc(d.config.Stats.Schedule, d.reportStats); err != nil {
			return fmt.Errorf("invalid stats schedule %q: %w", d.config.Stats.Schedule, err)
		}
	}

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		zl.Warn().Err(err).Str("path", auditPath).Msg("Failed to open audit log, using stderr")
	}

	return nil
}

// Stats is a point-in-time view of delivery state
type Stats struct {
	Sessions      int `json:"sessions"`
	OnlineUsers   int `json:"onlineUsers"`
	JoinedHandles int `json:"joinedHandles"`
}

// CollectStats samples the gateway and the registry
func (d *Daemon) CollectStats() Stats {
	users, handles := d.presence.Stats()
	return Stats{
		Sessions:      len(d.gatewayServer.GetConnectedClients()),
		OnlineUsers:   users,
		JoinedHandles: handles,
	}
}

func (d *Daemon) reportStats() {
	stats := d.CollectStats()
	observability.SetActiveSessions(stats.Sessions)
	observability.SetOnlineUsers(stats.OnlineUsers)
	observability.SetJoinedHandles(stats.JoinedHandles)

	d.logger.Info().
		Int("sessions", stats.Sessions).
		Int("online_users", stats.OnlineUsers).
		Int("joined_handles", stats.JoinedHandles).
		Msg("Delivery stats")
}

// WatchConfig reloads the config file at path whenever it changes on disk
func (d *Daemon) WatchConfig(path string) error {
	w, err := config.NewWatcher(config.NewLoader(path), d.ApplyConfig, d.logger.GetZerolog())
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.watcher = w
	d.mu.Unlock()
	return nil
}

// ApplyConfig applies the settings that can change without a restart: the
// log level and the gateway rate limits. Everything else needs a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())

	d.mu.Lock()
	previous := d.config
	next := *previous
	next.Logging.Level = cfg.Logging.Level
	next.Gateway.RequestsPerMinute = cfg.Gateway.RequestsPerMinute
	next.Gateway.MaxConcurrent = cfg.Gateway.MaxConcurrent
	d.config = &next
	d.mu.Unlock()

	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		log.Warn().Err(err).Msg("Ignoring invalid log level")
	}
	d.gatewayServer.UpdateLimits(cfg.Gateway.RequestsPerMinute, cfg.Gateway.MaxConcurrent)

	if restartNeeded(previous, cfg) {
		log.Warn().Msg("Config changes to gateway address or store take effect after restart")
	}

	observability.RecordConfigAudit(ctx, "config.reload", "watcher", map[string]interface{}{
		"log_level":           cfg.Logging.Level,
		"requests_per_minute": cfg.Gateway.RequestsPerMinute,
		"max_concurrent":      cfg.Gateway.MaxConcurrent,
	})
	log.Info().Str("log_level", cfg.Logging.Level).Msg("Config applied")
}

func restartNeeded(old, cfg *config.Config) bool {
	return old.Gateway.Host != cfg.Gateway.Host ||
		old.Gateway.Port != cfg.Gateway.Port ||
		old.Store != cfg.Store
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting courier daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.scheduler.Start()
	logger.Info().Str("schedule", d.config.Stats.Schedule).Msg("Stats reporter started")

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping courier daemon")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	// Wait for a running stats job before closing what it reads.
	select {
	case <-d.scheduler.Stop().Done():
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for stats reporter to stop")
	}

	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close conversation store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, or until ctx is done, then stops
// the daemon.
func (d *Daemon) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetGateway returns the gateway server
func (d *Daemon) GetGateway() *gateway.Server {
	return d.gatewayServer
}

// GetChat returns the conversation API
func (d *Daemon) GetChat() *chat.Service {
	return d.chat
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}
