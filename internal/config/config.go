package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the tracking server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	MetricsPort     int
	DatabasePath    string
	LogLevel        string
	// LogFormat is "text" or "json".
	LogFormat string

	// MQTTBrokerURL selects an external broker. Empty runs the embedded broker.
	MQTTBrokerURL string
	MQTTClientID  string
	TopicPrefix   string

	// RedisAddr enables the Redis fan-out sink when set.
	RedisAddr    string
	RedisChannel string

	CORSOrigins []string
	EnableMDNS  bool
	TuningPath  string

	Tuning Tuning
}

// Tuning holds the algorithm constants. Zero values in a YAML overlay keep the default,
// except WeakFloor, where 0 dBm is a valid floor and only an absent key keeps it.
type Tuning struct {
	JitterTolerance  float64       `yaml:"jitter_tolerance"`
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepCutoff      time.Duration `yaml:"sweep_cutoff"`
	DedupClear       time.Duration `yaml:"dedup_clear_interval"`
	SessionGap       time.Duration `yaml:"session_gap"`
	ColdThreshold    time.Duration `yaml:"cold_threshold"`
	RecentWindow     int           `yaml:"recent_window"`
	WeakFloor        *float64      `yaml:"weak_floor"`
	WeightExponent   float64       `yaml:"weight_exponent"`
	DominanceRatio   float64       `yaml:"dominance_ratio"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultMetricsPort     = 9090
	defaultDatabasePath    = "data/bletracker.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultTopicPrefix     = "warehouse"
	defaultMQTTClientID    = "bletracker-server"
	defaultRedisChannel    = "bletracker:live-map"
)

// DefaultTuning returns the production algorithm constants.
func DefaultTuning() Tuning {
	return Tuning{
		JitterTolerance:  5,
		LivenessTimeout:  30 * time.Second,
		SweepInterval:    60 * time.Second,
		SweepCutoff:      120 * time.Second,
		DedupClear:       60 * time.Second,
		SessionGap:       60 * time.Second,
		ColdThreshold:    30 * time.Minute,
		RecentWindow:     10,
		WeakFloor:        floatPtr(-90),
		WeightExponent:   1.6,
		DominanceRatio:   3,
		SnapshotInterval: time.Second,
	}
}

// Load reads an optional .env file, then derives configuration values from
// environment variables, falling back to defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		MetricsPort:     defaultMetricsPort,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		MQTTClientID:    defaultMQTTClientID,
		TopicPrefix:     defaultTopicPrefix,
		RedisChannel:    defaultRedisChannel,
		Tuning:          DefaultTuning(),
	}

	var err error
	if cfg.HTTPPort, err = envInt("BLETRACKER_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = envInt("BLETRACKER_METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("BLETRACKER_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}
	if v := os.Getenv("BLETRACKER_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("BLETRACKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BLETRACKER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("BLETRACKER_MQTT_BROKER"); v != "" {
		cfg.MQTTBrokerURL = v
	}
	if v := os.Getenv("BLETRACKER_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}
	if v := os.Getenv("BLETRACKER_TOPIC_PREFIX"); v != "" {
		cfg.TopicPrefix = strings.Trim(v, "/")
	}
	if v := os.Getenv("BLETRACKER_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("BLETRACKER_REDIS_CHANNEL"); v != "" {
		cfg.RedisChannel = v
	}
	if v := os.Getenv("BLETRACKER_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("BLETRACKER_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BLETRACKER_MDNS: %w", err)
		}
		cfg.EnableMDNS = enabled
	}

	if path := os.Getenv("BLETRACKER_TUNING_FILE"); path != "" {
		cfg.TuningPath = path
		tuning, err := LoadTuning(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Tuning = tuning
	}

	return cfg, nil
}

// IngressMode names where gateway messages come from.
func (c Config) IngressMode() string {
	if c.MQTTBrokerURL != "" {
		return "external-broker"
	}
	return "embedded-broker"
}

// TuningSource names the tuning file in use, or "defaults".
func (c Config) TuningSource() string {
	if c.TuningPath == "" {
		return "defaults"
	}
	return c.TuningPath
}

// LoadTuning overlays a YAML file on DefaultTuning.
func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}

	var overlay Tuning
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning file: %w", err)
	}
	return overlay.WithDefaults(), nil
}

// WithDefaults fills every zero field of t from DefaultTuning.
func (t Tuning) WithDefaults() Tuning {
	return mergeTuning(DefaultTuning(), t)
}

func mergeTuning(base, override Tuning) Tuning {
	if override.JitterTolerance != 0 {
		base.JitterTolerance = override.JitterTolerance
	}
	if override.LivenessTimeout != 0 {
		base.LivenessTimeout = override.LivenessTimeout
	}
	if override.SweepInterval != 0 {
		base.SweepInterval = override.SweepInterval
	}
	if override.SweepCutoff != 0 {
		base.SweepCutoff = override.SweepCutoff
	}
	if override.DedupClear != 0 {
		base.DedupClear = override.DedupClear
	}
	if override.SessionGap != 0 {
		base.SessionGap = override.SessionGap
	}
	if override.ColdThreshold != 0 {
		base.ColdThreshold = override.ColdThreshold
	}
	if override.RecentWindow != 0 {
		base.RecentWindow = override.RecentWindow
	}
	if override.WeakFloor != nil {
		base.WeakFloor = floatPtr(*override.WeakFloor)
	}
	if override.WeightExponent != 0 {
		base.WeightExponent = override.WeightExponent
	}
	if override.DominanceRatio != 0 {
		base.DominanceRatio = override.DominanceRatio
	}
	if override.SnapshotInterval != 0 {
		base.SnapshotInterval = override.SnapshotInterval
	}
	return base
}

// WeakFloorDBm returns the configured weak-signal floor, or the default when unset.
func (t Tuning) WeakFloorDBm() float64 {
	if t.WeakFloor == nil {
		return *DefaultTuning().WeakFloor
	}
	return *t.WeakFloor
}

func floatPtr(v float64) *float64 {
	return &v
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitCSV(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
