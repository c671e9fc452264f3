package daemon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/logger"
	"github.com/harun/courier/pkg/chat"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Store.Driver = config.DriverMemory
	cfg.Logging.Console = false
	return cfg
}

// createTestDaemon creates a daemon backed by the memory store
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	daemon, err := New(cfg, log)
	require.NoError(t, err)

	return daemon
}

func TestNew(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, daemon.store)
	assert.NotNil(t, daemon.presence)
	assert.NotNil(t, daemon.relay)
	assert.NotNil(t, daemon.chat)
	assert.NotNil(t, daemon.gatewayServer)
	assert.NotNil(t, daemon.scheduler)
	assert.NotNil(t, daemon.lifecycle)
	assert.False(t, daemon.Status().Running)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	log, err := logger.New(logger.Config{Console: false})
	require.NoError(t, err)
	defer log.Close()

	t.Run("bad port", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Gateway.Port = -1
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("bad schedule", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Stats.Schedule = "sometimes"
		_, err := New(cfg, log)
		assert.Error(t, err)
	})
}

func TestNewWithDurableStores(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = filepath.Join(cfg.DataDir, "db", "courier.db")

		daemon := createTestDaemon(t, cfg)
		defer daemon.store.Close()

		_, err := os.Stat(cfg.Store.Path)
		assert.NoError(t, err)
	})

	t.Run("badger", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store.Driver = config.DriverBadger
		cfg.Store.Path = filepath.Join(cfg.DataDir, "messages")

		daemon := createTestDaemon(t, cfg)
		defer daemon.store.Close()

		info, err := os.Stat(cfg.Store.Path)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	daemon := createTestDaemon(t, cfg)

	require.NoError(t, daemon.Start())

	status := daemon.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())

	pid, err := RunningPID(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	addr := daemon.GetGateway().Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("start twice fails", func(t *testing.T) {
		assert.Error(t, daemon.Start())
	})

	require.NoError(t, daemon.Stop())
	assert.False(t, daemon.Status().Running)

	_, err = RunningPID(cfg.DataDir)
	assert.ErrorIs(t, err, ErrNotRunning)

	t.Run("stop twice fails", func(t *testing.T) {
		assert.Error(t, daemon.Stop())
	})
}

func TestDaemonWaitStopsOnContext(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))
	require.NoError(t, daemon.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		daemon.Wait(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
	assert.False(t, daemon.Status().Running)
}

func TestDaemonChatRoundTrip(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))
	ctx := context.Background()

	sent, err := daemon.GetChat().Send(ctx, chat.SendRequest{Sender: "alice", Receiver: "bob", Content: "hi"})
	require.NoError(t, err)

	history, err := daemon.GetChat().History(ctx, chat.HistoryRequest{UserA: "bob", UserB: "alice"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)
}

func TestCollectStats(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))

	assert.Equal(t, Stats{}, daemon.CollectStats())
	assert.NotPanics(t, daemon.reportStats)
}

func TestApplyConfig(t *testing.T) {
	previous := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })

	cfg := testConfig(t)
	daemon := createTestDaemon(t, cfg)

	next := *cfg
	next.Logging.Level = "debug"
	next.Gateway.RequestsPerMinute = 5
	next.Gateway.Port = 9999
	daemon.ApplyConfig(&next)

	applied := daemon.GetConfig()
	assert.Equal(t, "debug", applied.Logging.Level)
	assert.Equal(t, 5, applied.Gateway.RequestsPerMinute)
	// Address changes wait for a restart.
	assert.Equal(t, 0, applied.Gateway.Port)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestWatchConfig(t *testing.T) {
	previous := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })

	cfg := testConfig(t)
	configPath := filepath.Join(cfg.DataDir, "courier.json")
	require.NoError(t, config.NewLoader(configPath).Save(cfg))

	daemon := createTestDaemon(t, cfg)
	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	require.NoError(t, daemon.WatchConfig(configPath))

	updated := *cfg
	updated.Logging.Level = "warn"
	updated.Gateway.MaxConcurrent = 3
	require.NoError(t, config.NewLoader(configPath).Save(&updated))

	assert.Eventually(t, func() bool {
		return daemon.GetConfig().Logging.Level == "warn"
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, 3, daemon.GetConfig().Gateway.MaxConcurrent)
}
