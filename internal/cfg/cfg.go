// Package cfg loads engine configuration from a YAML file with
// environment variable overrides, falling back to environment-only
// configuration when no file is given.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"shuttle-coach/internal/rules"
)

type Settings struct {
	ListenPort  int
	DataPath    string
	PoseBaseURL string
	PoseWsURL   string
	PoseTimeout time.Duration
	Ping        time.Duration

	WRule               float64
	WML                 float64
	ConfidenceThreshold float64
	Rules               []rules.Rule

	MinFrames       int
	MaxImputeFrames int
	MinVisibility   float64

	RetrainThreshold    int
	RetrainInterval     time.Duration
	MinImprovement      float64
	Retention           string
	RetentionWindow     int
	MaxTrainingDuration time.Duration
	HoldoutEvery        int
	HoldoutSize         int
	FeedbackWeightDecay float64
	KeepVersions        int
}

type ConfigFile struct {
	Pose struct {
		BaseURL      string `yaml:"baseURL"`
		WsURL        string `yaml:"wsURL"`
		Timeout      string `yaml:"timeout"`
		PingInterval string `yaml:"pingInterval"`
	} `yaml:"pose"`

	Advisor struct {
		WRule               float64      `yaml:"wRule"`
		WML                 float64      `yaml:"wMl"`
		ConfidenceThreshold float64      `yaml:"confidenceThreshold"`
		Rules               []rules.Rule `yaml:"rules"`
	} `yaml:"advisor"`

	Features struct {
		MinFrames       int     `yaml:"minFrames"`
		MaxImputeFrames int     `yaml:"maxImputeFrames"`
		MinVisibility   float64 `yaml:"minVisibility"`
	} `yaml:"features"`

	Learning struct {
		RetrainThreshold    int     `yaml:"retrainThreshold"`
		RetrainInterval     string  `yaml:"retrainInterval"`
		MinImprovement      float64 `yaml:"minImprovement"`
		Retention           string  `yaml:"retention"`
		RetentionWindow     int     `yaml:"retentionWindow"`
		MaxTrainingDuration string  `yaml:"maxTrainingDuration"`
		HoldoutEvery        int     `yaml:"holdoutEvery"`
		HoldoutSize         int     `yaml:"holdoutSize"`
		FeedbackWeightDecay float64 `yaml:"feedbackWeightDecay"`
		KeepVersions        int     `yaml:"keepVersions"`
	} `yaml:"learning"`

	System struct {
		ListenPort int    `yaml:"listenPort"`
		DataPath   string `yaml:"dataPath"`
	} `yaml:"system"`
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

	settings := Settings{
		ListenPort:  getIntFromEnvOrConfig("LISTEN_PORT", config.System.ListenPort, 8090),
		DataPath:    getEnvOrDefault("DATA_PATH", orDefault(config.System.DataPath, "data")),
		PoseBaseURL: getEnvOrDefault("POSE_BASE_URL", config.Pose.BaseURL),
		PoseWsURL:   getEnvOrDefault("POSE_WS_URL", config.Pose.WsURL),
		PoseTimeout: durationFromConfig(config.Pose.Timeout, 5*time.Second),
		Ping:        durationFromConfig(config.Pose.PingInterval, 15*time.Second),

		WRule:               getFloatFromEnvOrConfig("W_RULE", config.Advisor.WRule, 0.4),
		WML:                 getFloatFromEnvOrConfig("W_ML", config.Advisor.WML, 0.6),
		ConfidenceThreshold: getFloatFromEnvOrConfig("CONFIDENCE_THRESHOLD", config.Advisor.ConfidenceThreshold, 0.5),
		Rules:               config.Advisor.Rules,

		MinFrames:       getIntFromEnvOrConfig("MIN_FRAMES", config.Features.MinFrames, 8),
		MaxImputeFrames: getIntFromEnvOrConfig("MAX_IMPUTE_FRAMES", config.Features.MaxImputeFrames, 5),
		MinVisibility:   getFloatFromEnvOrConfig("MIN_VISIBILITY", config.Features.MinVisibility, 0.5),

		RetrainThreshold:    getIntFromEnvOrConfig("RETRAIN_THRESHOLD", config.Learning.RetrainThreshold, 50),
		RetrainInterval:     durationFromConfig(config.Learning.RetrainInterval, 24*time.Hour),
		MinImprovement:      getFloatFromEnvOrConfig("MIN_IMPROVEMENT", config.Learning.MinImprovement, 0.01),
		Retention:           getEnvOrDefault("RETENTION_POLICY", orDefault(config.Learning.Retention, "sliding")),
		RetentionWindow:     getIntFromEnvOrConfig("RETENTION_WINDOW", config.Learning.RetentionWindow, 500),
		MaxTrainingDuration: durationFromConfig(config.Learning.MaxTrainingDuration, 2*time.Minute),
		HoldoutEvery:        getIntFromEnvOrConfig("HOLDOUT_EVERY", config.Learning.HoldoutEvery, 5),
		HoldoutSize:         getIntFromEnvOrConfig("HOLDOUT_SIZE", config.Learning.HoldoutSize, 40),
		FeedbackWeightDecay: getFloatFromEnvOrConfig("FEEDBACK_WEIGHT_DECAY", config.Learning.FeedbackWeightDecay, 0.95),
		KeepVersions:        getIntFromEnvOrConfig("KEEP_VERSIONS", config.Learning.KeepVersions, 5),
	}

	if len(settings.Rules) == 0 {
		settings.Rules = rules.DefaultCatalog()
	}
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ListenPort:  getIntOrDefault("LISTEN_PORT", 8090),
		DataPath:    getEnvOrDefault("DATA_PATH", "data"),
		PoseBaseURL: os.Getenv("POSE_BASE_URL"), // optional
		PoseWsURL:   os.Getenv("POSE_WS_URL"),   // optional
		PoseTimeout: getDurationOrDefault("POSE_TIMEOUT", 5*time.Second),
		Ping:        getDurationOrDefault("PING_INTERVAL", 15*time.Second),

		WRule:               getFloatOrDefault("W_RULE", 0.4),
		WML:                 getFloatOrDefault("W_ML", 0.6),
		ConfidenceThreshold: getFloatOrDefault("CONFIDENCE_THRESHOLD", 0.5),
		Rules:               rules.DefaultCatalog(),

		MinFrames:       getIntOrDefault("MIN_FRAMES", 8),
		MaxImputeFrames: getIntOrDefault("MAX_IMPUTE_FRAMES", 5),
		MinVisibility:   getFloatOrDefault("MIN_VISIBILITY", 0.5),

		RetrainThreshold:    getIntOrDefault("RETRAIN_THRESHOLD", 50),
		RetrainInterval:     getDurationOrDefault("RETRAIN_INTERVAL", 24*time.Hour),
		MinImprovement:      getFloatOrDefault("MIN_IMPROVEMENT", 0.01),
		Retention:           getEnvOrDefault("RETENTION_POLICY", "sliding"),
		RetentionWindow:     getIntOrDefault("RETENTION_WINDOW", 500),
		MaxTrainingDuration: getDurationOrDefault("MAX_TRAINING_DURATION", 2*time.Minute),
		HoldoutEvery:        getIntOrDefault("HOLDOUT_EVERY", 5),
		HoldoutSize:         getIntOrDefault("HOLDOUT_SIZE", 40),
		FeedbackWeightDecay: getFloatOrDefault("FEEDBACK_WEIGHT_DECAY", 0.95),
		KeepVersions:        getIntOrDefault("KEEP_VERSIONS", 5),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func validateSettings(s *Settings) error {
	if s.ListenPort < 1 || s.ListenPort > 65535 {
		return fmt.Errorf("listen port %d outside valid range", s.ListenPort)
	}
	if s.DataPath == "" {
		return fmt.Errorf("data path is required")
	}
	if s.WRule < 0 || s.WML < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	if s.WRule+s.WML == 0 {
		return fmt.Errorf("at least one fusion weight must be positive")
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %f outside [0,1]", s.ConfidenceThreshold)
	}
	if s.MinFrames < 2 {
		return fmt.Errorf("minFrames %d too small, need at least 2", s.MinFrames)
	}
	if s.MaxImputeFrames < 0 {
		return fmt.Errorf("maxImputeFrames must be non-negative")
	}
	if s.MinVisibility < 0 || s.MinVisibility > 1 {
		return fmt.Errorf("minVisibility %f outside [0,1]", s.MinVisibility)
	}
	if s.RetrainThreshold < 1 {
		return fmt.Errorf("retrainThreshold must be at least 1")
	}
	if s.Retention != "sliding" && s.Retention != "cumulative" {
		return fmt.Errorf("unknown retention policy %q", s.Retention)
	}
	if s.MaxTrainingDuration <= 0 {
		return fmt.Errorf("maxTrainingDuration must be positive")
	}
	if s.FeedbackWeightDecay <= 0 || s.FeedbackWeightDecay > 1 {
		return fmt.Errorf("feedbackWeightDecay %f outside (0,1]", s.FeedbackWeightDecay)
	}
	if s.KeepVersions < 1 {
		return fmt.Errorf("keepVersions must be at least 1")
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationFromConfig(v string, def time.Duration) time.Duration {
	if v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
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

func getIntFromEnvOrConfig(key string, configValue, def int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return def
}

func getFloatFromEnvOrConfig(key string, configValue, def float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return def
}
