package application

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines reconciliation configuration.
type Config struct {
	Interval     time.Duration `yaml:"-"`
	IntervalRaw  string        `yaml:"interval"`
	Freshness    time.Duration `yaml:"-"`
	FreshnessRaw string        `yaml:"freshness"`
	Tenants      []string      `yaml:"tenants"`
}

// LoadConfig loads reconciliation config from yaml or env. Env values fill
// anything the file leaves unset.
func LoadConfig() (Config, error) {
	cfg := Config{}

	if path := os.Getenv("RECONCILE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.IntervalRaw == "" {
		cfg.IntervalRaw = getenvDefault("RECONCILE_INTERVAL", "2m")
	}
	if cfg.FreshnessRaw == "" {
		cfg.FreshnessRaw = getenvDefault("RECONCILE_FRESHNESS", "1h")
	}
	if len(cfg.Tenants) == 0 {
		cfg.Tenants = splitCSV(os.Getenv("RECONCILE_TENANTS"))
	}

	interval, err := time.ParseDuration(cfg.IntervalRaw)
	if err != nil || interval <= 0 {
		interval = 2 * time.Minute
	}
	cfg.Interval = interval

	freshness, err := time.ParseDuration(cfg.FreshnessRaw)
	if err != nil || freshness <= 0 {
		freshness = time.Hour
	}
	cfg.Freshness = freshness

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
