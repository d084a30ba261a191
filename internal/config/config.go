package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Guardrails are the hard ceilings applied to every search run.
type Guardrails struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	MaxToolCalls  int           `mapstructure:"max_tool_calls"`
	MaxWallClock  time.Duration `mapstructure:"max_wall_clock"`
}

// Thresholds control anchor resolution and loop termination.
type Thresholds struct {
	Anchor       float64 `mapstructure:"anchor"`
	ShortCircuit float64 `mapstructure:"short_circuit"`
	StopConf     float64 `mapstructure:"stop_confidence"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// Taxonomy holds the allow-lists planner filter values are checked against.
// Empty lists disable checking for that dimension.
type Taxonomy struct {
	Sectors         []string `mapstructure:"sectors"`
	Categories      []string `mapstructure:"categories"`
	BusinessModels  []string `mapstructure:"business_models"`
	DefaultStatuses []string `mapstructure:"default_statuses"`
}

// Features is the top-level configuration loaded from the optional YAML file.
type Features struct {
	Guardrails    Guardrails          `mapstructure:"guardrails"`
	Thresholds    Thresholds          `mapstructure:"thresholds"`
	Taxonomy      Taxonomy            `mapstructure:"taxonomy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	SessionTTL    time.Duration       `mapstructure:"session_ttl"`
}

// Defaults returns the production defaults used when no config file is present.
func Defaults() *Features {
	f := &Features{}
	f.Guardrails.MaxIterations = 10
	f.Guardrails.MaxToolCalls = 40
	f.Guardrails.MaxWallClock = 240 * time.Second
	f.Thresholds.Anchor = 0.8
	f.Thresholds.ShortCircuit = 0.95
	f.Thresholds.StopConf = 0.74
	f.SessionTTL = 5 * time.Minute
	f.Taxonomy.DefaultStatuses = []string{"active"}
	f.Observability.Metrics.Enabled = true
	f.Observability.Metrics.Port = 2112
	return f
}

// Load reads the features file from SEARCH_CONFIG_PATH (if set), merges env
// overrides, and falls back to Defaults for anything unset.
func Load() (*Features, error) {
	f := Defaults()

	if cfgPath := os.Getenv("SEARCH_CONFIG_PATH"); cfgPath != "" {
		v := viper.New()
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(f); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	applyEnvOverrides(f)
	normalize(f)
	return f, nil
}

func applyEnvOverrides(f *Features) {
	if n := envInt("SEARCH_MAX_ITERATIONS"); n > 0 {
		f.Guardrails.MaxIterations = n
	}
	if n := envInt("SEARCH_MAX_TOOL_CALLS"); n > 0 {
		f.Guardrails.MaxToolCalls = n
	}
	if n := envInt("SEARCH_MAX_WALL_CLOCK_SECONDS"); n > 0 {
		f.Guardrails.MaxWallClock = time.Duration(n) * time.Second
	}
	if x := envFloat("SEARCH_ANCHOR_THRESHOLD"); x > 0 {
		f.Thresholds.Anchor = x
	}
	if x := envFloat("SEARCH_SHORT_CIRCUIT_THRESHOLD"); x > 0 {
		f.Thresholds.ShortCircuit = x
	}
	if x := envFloat("SEARCH_STOP_CONFIDENCE"); x > 0 {
		f.Thresholds.StopConf = x
	}
	if n := envInt("CLARIFY_SESSION_TTL_SECONDS"); n > 0 {
		f.SessionTTL = time.Duration(n) * time.Second
	}
	if n := envInt("METRICS_PORT"); n > 0 {
		f.Observability.Metrics.Port = n
	}
}

func normalize(f *Features) {
	d := Defaults()
	if f.Guardrails.MaxIterations <= 0 {
		f.Guardrails.MaxIterations = d.Guardrails.MaxIterations
	}
	if f.Guardrails.MaxToolCalls <= 0 {
		f.Guardrails.MaxToolCalls = d.Guardrails.MaxToolCalls
	}
	if f.Guardrails.MaxWallClock <= 0 {
		f.Guardrails.MaxWallClock = d.Guardrails.MaxWallClock
	}
	if f.Thresholds.Anchor <= 0 {
		f.Thresholds.Anchor = d.Thresholds.Anchor
	}
	if f.Thresholds.ShortCircuit <= 0 {
		f.Thresholds.ShortCircuit = d.Thresholds.ShortCircuit
	}
	if f.Thresholds.StopConf <= 0 {
		f.Thresholds.StopConf = d.Thresholds.StopConf
	}
	if f.SessionTTL <= 0 {
		f.SessionTTL = d.SessionTTL
	}
	if len(f.Taxonomy.DefaultStatuses) == 0 {
		f.Taxonomy.DefaultStatuses = d.Taxonomy.DefaultStatuses
	}
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func envFloat(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.ParseFloat(v, 64); err == nil {
			return x
		}
	}
	return 0
}
