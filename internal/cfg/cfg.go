package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	// Model / window shape
	SequenceLength    int
	FeatureCount      int
	PredictionHorizon int
	ModelPath         string

	// Gating and risk thresholds
	ConfidenceThreshold    float64
	MaxConsecutiveLosses   int
	EmergencyStopThreshold float64

	// Market data
	Symbol        string
	MarketBaseURL string
	MarketWsURL   string
	Ping          time.Duration

	// Ledger relay
	LedgerBaseURL string
	SignerSeed    string

	// System
	DataPath           string
	PredictionInterval time.Duration
	RESTTimeout        time.Duration
	MetricsPort        int
	APIPort            int
	APIToken           string
	LogLevel           string
}

type ConfigFile struct {
	Model struct {
		SequenceLength    int    `yaml:"sequenceLength"`
		FeatureCount      int    `yaml:"featureCount"`
		PredictionHorizon int    `yaml:"predictionHorizon"`
		ModelPath         string `yaml:"modelPath"`
	} `yaml:"model"`

	Risk struct {
		ConfidenceThreshold    float64 `yaml:"confidenceThreshold"`
		MaxConsecutiveLosses   int     `yaml:"maxConsecutiveLosses"`
		EmergencyStopThreshold float64 `yaml:"emergencyStopThreshold"`
	} `yaml:"risk"`

	Market struct {
		Symbol       string `yaml:"symbol"`
		BaseURL      string `yaml:"baseURL"`
		WsURL        string `yaml:"wsURL"`
		PingInterval string `yaml:"pingInterval"`
	} `yaml:"market"`

	Ledger struct {
		BaseURL    string `yaml:"baseURL"`
		SignerSeed string `yaml:"signerSeed"`
	} `yaml:"ledger"`

	System struct {
		DataPath           string `yaml:"dataPath"`
		PredictionInterval string `yaml:"predictionInterval"`
		RESTTimeout        string `yaml:"restTimeout"`
		MetricsPort        int    `yaml:"metricsPort"`
		APIPort            int    `yaml:"apiPort"`
		APIToken           string `yaml:"apiToken"`
		LogLevel           string `yaml:"logLevel"`
	} `yaml:"system"`
}

// Interval is the candle interval string matching the prediction horizon.
func (s Settings) Interval() string {
	return fmt.Sprintf("%dm", s.PredictionHorizon)
}

func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	ping, err := time.ParseDuration(config.Market.PingInterval)
	if err != nil {
		ping = 15 * time.Second
	}
	interval, err := time.ParseDuration(config.System.PredictionInterval)
	if err != nil {
		interval = 10 * time.Minute
	}
	restTimeout, err := time.ParseDuration(config.System.RESTTimeout)
	if err != nil {
		restTimeout = 5 * time.Second
	}

	settings := Settings{
		SequenceLength:         getIntFromEnvOrConfig("SEQUENCE_LENGTH", config.Model.SequenceLength),
		FeatureCount:           getIntFromEnvOrConfig("FEATURE_COUNT", config.Model.FeatureCount),
		PredictionHorizon:      getIntFromEnvOrConfig("PREDICTION_HORIZON", config.Model.PredictionHorizon),
		ModelPath:              getEnvOrDefault("MODEL_PATH", config.Model.ModelPath),
		ConfidenceThreshold:    getFloatFromEnvOrConfig("CONFIDENCE_THRESHOLD", config.Risk.ConfidenceThreshold),
		MaxConsecutiveLosses:   getIntFromEnvOrConfig("MAX_CONSECUTIVE_LOSSES", config.Risk.MaxConsecutiveLosses),
		EmergencyStopThreshold: getFloatFromEnvOrConfig("EMERGENCY_STOP_THRESHOLD", config.Risk.EmergencyStopThreshold),
		Symbol:                 getEnvOrDefault("SYMBOL", config.Market.Symbol),
		MarketBaseURL:          getEnvOrDefault("MARKET_BASE_URL", config.Market.BaseURL),
		MarketWsURL:            getEnvOrDefault("MARKET_WS_URL", config.Market.WsURL),
		Ping:                   ping,
		LedgerBaseURL:          getEnvOrDefault("LEDGER_BASE_URL", config.Ledger.BaseURL),
		SignerSeed:             getEnvOrDefault("SIGNER_SEED", config.Ledger.SignerSeed),
		DataPath:               getEnvOrDefault("DATA_PATH", config.System.DataPath),
		PredictionInterval:     interval,
		RESTTimeout:            restTimeout,
		MetricsPort:            getIntFromEnvOrConfig("METRICS_PORT", config.System.MetricsPort),
		APIPort:                getIntFromEnvOrConfig("API_PORT", config.System.APIPort),
		APIToken:               getEnvOrDefault("API_TOKEN", config.System.APIToken),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", config.System.LogLevel),
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		SequenceLength:         getIntOrDefault("SEQUENCE_LENGTH", 60),
		FeatureCount:           getIntOrDefault("FEATURE_COUNT", 20),
		PredictionHorizon:      getIntOrDefault("PREDICTION_HORIZON", 10),
		ModelPath:              getEnvOrDefault("MODEL_PATH", "model.onnx"),
		ConfidenceThreshold:    getFloatOrDefault("CONFIDENCE_THRESHOLD", 0.6),
		MaxConsecutiveLosses:   getIntOrDefault("MAX_CONSECUTIVE_LOSSES", 3),
		EmergencyStopThreshold: getFloatOrDefault("EMERGENCY_STOP_THRESHOLD", 0.3),
		Symbol:                 getEnvOrDefault("SYMBOL", "POLUSDT"),
		MarketBaseURL:          getEnvOrDefault("MARKET_BASE_URL", "https://api.binance.com"),
		MarketWsURL:            getEnvOrDefault("MARKET_WS_URL", "wss://stream.binance.com/ws"),
		Ping:                   getDurationOrDefault("PING_INTERVAL", 15*time.Second),
		LedgerBaseURL:          os.Getenv("LEDGER_BASE_URL"), // optional, submission disabled when empty
		SignerSeed:             os.Getenv("SIGNER_SEED"),     // optional, degraded attestation when empty
		DataPath:               os.Getenv("DATA_PATH"),       // optional
		PredictionInterval:     getDurationOrDefault("PREDICTION_INTERVAL", 10*time.Minute),
		RESTTimeout:            getDurationOrDefault("REST_TIMEOUT", 5*time.Second),
		MetricsPort:            getIntOrDefault("METRICS_PORT", 8080),
		APIPort:                getIntOrDefault("API_PORT", 8000),
		APIToken:               os.Getenv("API_TOKEN"),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func applyDefaults(s *Settings) {
	if s.SequenceLength == 0 {
		s.SequenceLength = 60
	}
	if s.FeatureCount == 0 {
		s.FeatureCount = 20
	}
	if s.PredictionHorizon == 0 {
		s.PredictionHorizon = 10
	}
	if s.ModelPath == "" {
		s.ModelPath = "model.onnx"
	}
	if s.ConfidenceThreshold == 0 {
		s.ConfidenceThreshold = 0.6
	}
	if s.MaxConsecutiveLosses == 0 {
		s.MaxConsecutiveLosses = 3
	}
	if s.EmergencyStopThreshold == 0 {
		s.EmergencyStopThreshold = 0.3
	}
	if s.Symbol == "" {
		s.Symbol = "POLUSDT"
	}
	if s.MarketBaseURL == "" {
		s.MarketBaseURL = "https://api.binance.com"
	}
	if s.MarketWsURL == "" {
		s.MarketWsURL = "wss://stream.binance.com/ws"
	}
	if s.PredictionInterval == 0 {
		s.PredictionInterval = 10 * time.Minute
	}
	if s.MetricsPort == 0 {
		s.MetricsPort = 8080
	}
	if s.APIPort == 0 {
		s.APIPort = 8000
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return configValue
}

func getFloatFromEnvOrConfig(key string, configValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings rejects malformed thresholds before any cycle can run.
// A violation here is fatal at startup, never surfaced mid-cycle.
func validateSettings(s *Settings) error {
	if s.SequenceLength < 10 {
		return fmt.Errorf("sequence length must be at least 10, got %d", s.SequenceLength)
	}
	if s.FeatureCount <= 0 {
		return fmt.Errorf("feature count must be positive, got %d", s.FeatureCount)
	}
	if s.ConfidenceThreshold < 0.5 || s.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence threshold must be between 0.5 and 1.0, got %f", s.ConfidenceThreshold)
	}
	if s.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("max consecutive losses must be at least 1, got %d", s.MaxConsecutiveLosses)
	}
	if s.EmergencyStopThreshold < 0 || s.EmergencyStopThreshold > 1 {
		return fmt.Errorf("emergency stop threshold must be between 0 and 1, got %f", s.EmergencyStopThreshold)
	}
	if s.PredictionHorizon < 1 {
		return fmt.Errorf("prediction horizon must be at least 1, got %d", s.PredictionHorizon)
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if s.MarketBaseURL == "" {
		return fmt.Errorf("market base URL cannot be empty")
	}
	if s.PredictionInterval < time.Second {
		return fmt.Errorf("prediction interval must be at least 1s, got %v", s.PredictionInterval)
	}
	if s.RESTTimeout < time.Second || s.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", s.RESTTimeout)
	}
	if s.Ping < time.Second || s.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", s.Ping)
	}
	if s.MetricsPort < 1024 || s.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", s.MetricsPort)
	}
	if s.APIPort < 1024 || s.APIPort > 65535 {
		return fmt.Errorf("API port must be between 1024 and 65535, got %d", s.APIPort)
	}
	if s.SignerSeed != "" && len(strings.TrimPrefix(s.SignerSeed, "0x")) != 64 {
		return fmt.Errorf("signer seed must be a 32-byte hex string")
	}
	return nil
}
