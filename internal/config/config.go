// Package config loads tx's runtime configuration. It keeps the teacher
// repo's defaults-then-override shape (internal/config/config.go) but
// swaps the teacher's hand-rolled KEY=VALUE file parser for
// github.com/spf13/viper, matching the loader idiom used elsewhere in the
// retrieval pack (firestige-Otus, cklxx-elephant.ai).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RetrievalWeights are the signal-boost coefficients applied on top of the
// fused BM25/vector score. Defaults resolve the Open Question in spec.md §9
// (exact weights are not pinned by the spec; tests assert monotonicity).
type RetrievalWeights struct {
	Recency   float64 `yaml:"recency"`
	Outcome   float64 `yaml:"outcome"`
	Frequency float64 `yaml:"frequency"`
	Feedback  float64 `yaml:"feedback"`
}

// Config is tx's full runtime configuration.
type Config struct {
	DBPath string `yaml:"db_path"`

	WorkerPoolSize           int `yaml:"worker_pool_size"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	DeadMissedHeartbeats     int `yaml:"dead_missed_heartbeats"`

	LeaseDurationSeconds int `yaml:"lease_duration_seconds"`
	MaxRenewals          int `yaml:"max_renewals"`

	FeedbackEnabled   bool `yaml:"feedback_enabled"`
	FeedbackCacheSize int  `yaml:"feedback_cache_size"`

	RetrievalWeights       RetrievalWeights `yaml:"retrieval_weights"`
	RRFK                   int              `yaml:"rrf_k"`
	GraphExpansionMaxNodes int              `yaml:"graph_expansion_max_nodes"`
	GraphExpansionMaxHops  int              `yaml:"graph_expansion_max_hops"`

	VectorIndexBackend        string `yaml:"vector_index_backend"`        // "naive" or "chromem"
	VectorIndexNaiveThreshold int    `yaml:"vector_index_naive_threshold"` // learning count for preferring chromem; not read by any component
}

// LeaseDuration returns the configured lease duration as a time.Duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

// HeartbeatInterval returns the configured heartbeat interval as a
// time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Default returns the zero-config baseline: a local tx.sqlite file, the
// lease defaults resolved in DESIGN.md, and retrieval weights chosen so the
// RRF score still dominates ranking among near-ties.
func Default() Config {
	return Config{
		DBPath:                    "tx.sqlite",
		WorkerPoolSize:            4,
		HeartbeatIntervalSeconds:  15,
		DeadMissedHeartbeats:      3,
		LeaseDurationSeconds:      90,
		MaxRenewals:               8,
		FeedbackEnabled:           true,
		FeedbackCacheSize:         4096,
		RetrievalWeights: RetrievalWeights{
			Recency:   0.15,
			Outcome:   0.20,
			Frequency: 0.10,
			Feedback:  0.20,
		},
		RRFK:                      60,
		GraphExpansionMaxNodes:    50,
		GraphExpansionMaxHops:     3,
		VectorIndexBackend:        "naive",
		VectorIndexNaiveThreshold: 5000,
	}
}

// Load reads configuration from an optional YAML file and TX_-prefixed
// environment variables, overlaying Default(). A missing config file is not
// an error — the defaults (possibly overridden by environment) stand alone.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("TX")
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	out := cfg
	out.DBPath = v.GetString("db_path")
	out.WorkerPoolSize = v.GetInt("worker_pool_size")
	out.HeartbeatIntervalSeconds = v.GetInt("heartbeat_interval_seconds")
	out.DeadMissedHeartbeats = v.GetInt("dead_missed_heartbeats")
	out.LeaseDurationSeconds = v.GetInt("lease_duration_seconds")
	out.MaxRenewals = v.GetInt("max_renewals")
	out.FeedbackEnabled = v.GetBool("feedback_enabled")
	out.FeedbackCacheSize = v.GetInt("feedback_cache_size")
	out.RetrievalWeights.Recency = v.GetFloat64("retrieval_weights.recency")
	out.RetrievalWeights.Outcome = v.GetFloat64("retrieval_weights.outcome")
	out.RetrievalWeights.Frequency = v.GetFloat64("retrieval_weights.frequency")
	out.RetrievalWeights.Feedback = v.GetFloat64("retrieval_weights.feedback")
	out.RRFK = v.GetInt("rrf_k")
	out.GraphExpansionMaxNodes = v.GetInt("graph_expansion_max_nodes")
	out.GraphExpansionMaxHops = v.GetInt("graph_expansion_max_hops")
	out.VectorIndexBackend = v.GetString("vector_index_backend")
	out.VectorIndexNaiveThreshold = v.GetInt("vector_index_naive_threshold")

	if out.WorkerPoolSize <= 0 {
		return Config{}, fmt.Errorf("config: worker_pool_size must be positive")
	}
	if out.LeaseDurationSeconds <= 0 {
		return Config{}, fmt.Errorf("config: lease_duration_seconds must be positive")
	}

	return out, nil
}

// DumpYAML renders the effective configuration as YAML, for operators
// inspecting what a given environment/config-file combination resolved to.
func DumpYAML(c Config) ([]byte, error) {
	return yaml.Marshal(c)
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("worker_pool_size", cfg.WorkerPoolSize)
	v.SetDefault("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	v.SetDefault("dead_missed_heartbeats", cfg.DeadMissedHeartbeats)
	v.SetDefault("lease_duration_seconds", cfg.LeaseDurationSeconds)
	v.SetDefault("max_renewals", cfg.MaxRenewals)
	v.SetDefault("feedback_enabled", cfg.FeedbackEnabled)
	v.SetDefault("feedback_cache_size", cfg.FeedbackCacheSize)
	v.SetDefault("retrieval_weights.recency", cfg.RetrievalWeights.Recency)
	v.SetDefault("retrieval_weights.outcome", cfg.RetrievalWeights.Outcome)
	v.SetDefault("retrieval_weights.frequency", cfg.RetrievalWeights.Frequency)
	v.SetDefault("retrieval_weights.feedback", cfg.RetrievalWeights.Feedback)
	v.SetDefault("rrf_k", cfg.RRFK)
	v.SetDefault("graph_expansion_max_nodes", cfg.GraphExpansionMaxNodes)
	v.SetDefault("graph_expansion_max_hops", cfg.GraphExpansionMaxHops)
	v.SetDefault("vector_index_backend", cfg.VectorIndexBackend)
	v.SetDefault("vector_index_naive_threshold", cfg.VectorIndexNaiveThreshold)
}
