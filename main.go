package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go-checkin-verifier/events"
	"go-checkin-verifier/images"
	log "go-checkin-verifier/logging"
	redis "go-checkin-verifier/redis"
	"go-checkin-verifier/verifyapi"
	"go-checkin-verifier/wizard"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config" yaml:"server_config"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	VerifyApiBaseUrl   string `json:"verify_api_base_url" yaml:"verify_api_base_url"`
	ConsentLocale      string `json:"consent_locale" yaml:"consent_locale"`
	DocumentType       string `json:"document_type" yaml:"document_type"`
	SessionIdleMinutes int    `json:"session_idle_minutes" yaml:"session_idle_minutes"`

	StorageType         string                    `json:"storage_type" yaml:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty" yaml:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty" yaml:"redis_sentinel_config,omitempty"`

	NatsUrl string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`

	ReceiptPrivateKeyPath string `json:"receipt_private_key_path,omitempty" yaml:"receipt_private_key_path,omitempty"`
	ReceiptIssuer         string `json:"receipt_issuer,omitempty" yaml:"receipt_issuer,omitempty"`
	ReceiptValidityHours  int    `json:"receipt_validity_hours,omitempty" yaml:"receipt_validity_hours,omitempty"`
}

func main() {
	configPath := pflag.String("config", "", "Path for the config file (.json, .yaml or .yml) to use")
	envPath := pflag.String("env-file", ".env", "Optional .env file with overrides")
	pflag.Parse()

	if err := loadEnvFile(*envPath); err != nil {
		slog.Error("failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	if *configPath == "" {
		slog.Error("please provide a config path using the --config flag")
		os.Exit(1)
	}

	config, err := readConfigFile(*configPath)
	if err != nil {
		slog.Error("failed to read config file", "path", *configPath, "error", err)
		os.Exit(1)
	}
	applyEnvOverrides(&config)

	log.InitLogger(config.LogLevel, config.LogFormat)
	slog.Info("using config", "path", *configPath)

	state, err := buildServerState(&config)
	if err != nil {
		slog.Error("failed to set up server state", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := state.publisher.Close(); err != nil {
			slog.Warn("failed to close event publisher", "error", err)
		}
	}()

	server, err := NewServer(state, config.ServerConfig)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		_ = server.Stop()
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to listen and serve", "error", err)
		os.Exit(1)
	}
}

func buildServerState(config *Config) (*ServerState, error) {
	if config.VerifyApiBaseUrl == "" {
		return nil, fmt.Errorf("verify_api_base_url is required")
	}

	locale := config.ConsentLocale
	if locale == "" {
		locale = wizard.DefaultConsentLocale
	}
	locale, err := wizard.CanonicalLocale(locale)
	if err != nil {
		return nil, err
	}

	flowHints, err := createFlowHintStorage(config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate flow hint storage: %w", err)
	}

	publisher, err := createPublisher(config)
	if err != nil {
		return nil, err
	}

	state := &ServerState{
		verifyClient:  verifyapi.NewHTTPClient(config.VerifyApiBaseUrl),
		flowHints:     flowHints,
		publisher:     publisher,
		optimizer:     images.NewOptimizer(images.DefaultOptions),
		registry:      NewSessionRegistry(time.Duration(config.SessionIdleMinutes) * time.Minute),
		consentLocale: locale,
		documentType:  config.DocumentType,
		resumeTiming:  wizard.DefaultResumeTiming,
		consentTiming: wizard.DefaultConsentTiming,
	}

	if config.ReceiptPrivateKeyPath != "" {
		receipts, err := NewRSAReceiptCreator(
			config.ReceiptPrivateKeyPath,
			config.ReceiptIssuer,
			time.Duration(config.ReceiptValidityHours)*time.Hour,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to instantiate receipt creator: %w", err)
		}
		state.receipts = receipts
	}

	return state, nil
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(configBytes, &config)
	default:
		err = json.Unmarshal(configBytes, &config)
	}
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// loadEnvFile loads path into the environment if it exists.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("VERIFY_API_BASE_URL"); v != "" {
		config.VerifyApiBaseUrl = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		config.NatsUrl = v
	}
}

func createFlowHintStorage(config *Config) (FlowHintStorage, error) {
	if config.StorageType == "redis" {
		slog.Info("Using redis flow hint storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisFlowHintStorage(client, config.RedisConfig.Namespace), nil
	}
	if config.StorageType == "redis_sentinel" {
		slog.Info("Using redis sentinel flow hint storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisFlowHintStorage(client, config.RedisSentinelConfig.Namespace), nil
	}
	if config.StorageType == "memory" || config.StorageType == "" {
		slog.Info("Using in memory flow hint storage")
		return NewInMemoryFlowHintStorage(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

func createPublisher(config *Config) (events.Publisher, error) {
	if config.NatsUrl == "" {
		slog.Info("No NATS url configured, lifecycle events are dropped")
		return events.Noop{}, nil
	}
	bus, err := events.NewNATSEventBus(config.NatsUrl)
	if err != nil {
		return nil, err
	}
	slog.Info("Publishing lifecycle events to NATS")
	return bus, nil
}
