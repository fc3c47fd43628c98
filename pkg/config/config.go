package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config manages service configuration using Viper. Every key can be
// overridden from the environment as SANKEY_<SECTION>_<KEY>.
type Config struct {
	v *viper.Viper
}

// ServerConfig groups the HTTP server settings
type ServerConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// GroupingConfig groups the grouping service client settings
type GroupingConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	Burst      int
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	v := viper.New()

	// Server
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Feature store
	v.SetDefault("store.path", "features.db")

	// Grouping service; an empty base url selects the local store
	v.SetDefault("grouping.base_url", "")
	v.SetDefault("grouping.timeout", 10*time.Second)
	v.SetDefault("grouping.max_retries", 3)
	v.SetDefault("grouping.rate_limit", 20.0)
	v.SetDefault("grouping.burst", 5)

	// Splitting
	v.SetDefault("split.default_percentiles", []float64{0.5})
	v.SetDefault("split.histogram_bins", 50)

	// Dragging
	v.SetDefault("drag.epsilon", 0.01)
	v.SetDefault("drag.frame_interval", 16*time.Millisecond)

	v.SetDefault("session.max_sessions", 16)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", true)

	v.SetEnvPrefix("SANKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{v: v}
}

// LoadFromFile loads configuration from file
func (c *Config) LoadFromFile(path string) error {
	c.v.SetConfigFile(path)
	return c.v.ReadInConfig()
}

func (c *Config) Server() ServerConfig {
	return ServerConfig{
		Address:         c.v.GetString("server.address"),
		ReadTimeout:     c.v.GetDuration("server.read_timeout"),
		WriteTimeout:    c.v.GetDuration("server.write_timeout"),
		ShutdownTimeout: c.v.GetDuration("server.shutdown_timeout"),
		AllowedOrigins:  c.v.GetStringSlice("server.allowed_origins"),
	}
}

func (c *Config) Grouping() GroupingConfig {
	return GroupingConfig{
		BaseURL:    c.v.GetString("grouping.base_url"),
		Timeout:    c.v.GetDuration("grouping.timeout"),
		MaxRetries: c.v.GetInt("grouping.max_retries"),
		RateLimit:  c.v.GetFloat64("grouping.rate_limit"),
		Burst:      c.v.GetInt("grouping.burst"),
	}
}

func (c *Config) StorePath() string { return c.v.GetString("store.path") }

// DefaultPercentiles places the handles of a stage added without thresholds
func (c *Config) DefaultPercentiles() []float64 {
	raw := c.v.Get("split.default_percentiles")
	switch vals := raw.(type) {
	case []float64:
		return append([]float64(nil), vals...)
	case []interface{}:
		out := make([]float64, 0, len(vals))
		for _, v := range vals {
			if f, ok := toFloat(v); ok {
				out = append(out, f)
			}
		}
		return out
	}
	// Environment values arrive as "0.25,0.75" or "0.25 0.75"
	var out []float64
	for _, s := range c.v.GetStringSlice("split.default_percentiles") {
		for _, part := range strings.Split(s, ",") {
			if f, ok := toFloat(strings.TrimSpace(part)); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

func (c *Config) HistogramBins() int { return c.v.GetInt("split.histogram_bins") }

func (c *Config) DragEpsilon() float64 { return c.v.GetFloat64("drag.epsilon") }
func (c *Config) FrameInterval() time.Duration {
	return c.v.GetDuration("drag.frame_interval")
}

func (c *Config) MaxSessions() int { return c.v.GetInt("session.max_sessions") }

func (c *Config) LogLevel() string { return c.v.GetString("logging.level") }
func (c *Config) PrettyLogs() bool { return c.v.GetBool("logging.pretty") }

// Set allows dynamic configuration changes
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// CreateLogger creates a zerolog logger based on config
func (c *Config) CreateLogger() zerolog.Logger {
	return c.createLogger(os.Stderr)
}

func (c *Config) createLogger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}

	if c.PrettyLogs() {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "sankey").Logger()
}
