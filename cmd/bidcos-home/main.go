package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"bidcos-go-home/internal/bidcos"
	"bidcos-go-home/internal/hub"
	"bidcos-go-home/internal/radio"
	"bidcos-go-home/internal/store"
	"bidcos-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Radio struct {
		Type     string `yaml:"type"` // "cul" or "relay"
		Port     string `yaml:"port"`
		Baud     int    `yaml:"baud"`
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"radio"`
	Hub struct {
		// Address is the hub's radio address as hex, e.g. "FD0001".
		Address         string        `yaml:"address"`
		ResponseDelay   time.Duration `yaml:"response_delay"`
		Retries         int           `yaml:"retries"`
		RetryInterval   time.Duration `yaml:"retry_interval"`
		PairingDuration time.Duration `yaml:"pairing_duration"`
	} `yaml:"hub"`
	Web struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	DevicesDir string `yaml:"devices_dir"`
}

func (c *Config) validate() error {
	switch c.Radio.Type {
	case "cul":
		if c.Radio.Port == "" {
			return fmt.Errorf("radio.port is required for cul")
		}
	case "relay":
		if c.Radio.URL == "" {
			return fmt.Errorf("radio.url is required for relay")
		}
	default:
		return fmt.Errorf("unknown radio type: %q (supported: cul, relay)", c.Radio.Type)
	}
	if _, err := parseHubAddress(c.Hub.Address); err != nil {
		return err
	}
	if c.Hub.Retries < 0 {
		return fmt.Errorf("hub.retries must not be negative, got %d", c.Hub.Retries)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// parseHubAddress accepts a non-zero 24-bit hex address with optional 0x.
func parseHubAddress(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("hub.address is required")
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 24)
	if err != nil {
		return 0, fmt.Errorf("hub.address %q: must be 6 hex digits", s)
	}
	if v == 0 {
		return 0, fmt.Errorf("hub.address must not be 000000")
	}
	return uint32(v), nil
}

func (c *Config) hubConfig() hub.Config {
	addr, _ := parseHubAddress(c.Hub.Address)
	queues := bidcos.DefaultQueueManagerConfig()
	if c.Hub.Retries > 0 {
		queues.Policy.MaxRetries = c.Hub.Retries
	}
	if c.Hub.RetryInterval > 0 {
		queues.Policy.Interval = c.Hub.RetryInterval
	}
	return hub.Config{
		Address:         addr,
		ResponseDelay:   c.Hub.ResponseDelay,
		PairingDuration: c.Hub.PairingDuration,
		Cache:           bidcos.DefaultCacheConfig(),
		Queues:          queues,
	}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("bidcos-go-home starting", "version", version)

	deviceDB, err := hub.LoadDeviceDir(cfg.DevicesDir, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}
	logger.Info("device definitions loaded", "devices", deviceDB.Len())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	tr, err := openRadio(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	events := hub.NewEventBus(logger)
	h := hub.New(tr, db, deviceDB, events, cfg.hubConfig(), logger)
	if err := h.Start(context.Background()); err != nil {
		logger.Error("start hub", "err", err)
		os.Exit(1)
	}

	var (
		webServer  *web.Server
		httpServer *http.Server
	)
	if cfg.Web.Enabled {
		webOpts := []web.ServerOption{web.WithVersion(version)}
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webServer = web.NewServer(h, events, logger, webOpts...)
		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server", "err", err)
			}
		}()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(h, events, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	mqtt.Stop()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		shutdownCancel()
		webServer.Stop()
	}
	h.Stop()

	logger.Info("goodbye")
}

func openRadio(ctx context.Context, cfg *Config, logger *slog.Logger) (radio.Transceiver, error) {
	switch cfg.Radio.Type {
	case "cul":
		logger.Info("using CUL stick", "port", cfg.Radio.Port, "baud", cfg.Radio.Baud)
		return radio.OpenCUL(cfg.Radio.Port, cfg.Radio.Baud, logger)
	case "relay":
		logger.Info("using radio relay", "url", cfg.Radio.URL)
		return radio.DialRelay(ctx, radio.RelayConfig{
			URL:      cfg.Radio.URL,
			Username: cfg.Radio.Username,
			Password: cfg.Radio.Password,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown radio type: %q (supported: cul, relay)", cfg.Radio.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Radio.Type == "" {
		cfg.Radio.Type = "cul"
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 38400
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "bidcos-home.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "bidcos"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
