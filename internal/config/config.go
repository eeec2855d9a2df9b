// Package config provides configuration loading for the bridge service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the bridge service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Generation server
	ComfyHost string
	ComfyPort int

	// Workflow configuration
	TemplatesDir  string
	WorkflowsFile string

	// Submit rate limiting (client side); zero disables
	SubmitRPS   float64
	SubmitBurst int

	// HTTP rate limiting (bridge side)
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// ComfyAddr returns the generation server address, with the port appended
// when one is configured.
func (c *Config) ComfyAddr() string {
	if c.ComfyPort > 0 {
		return c.ComfyHost + ":" + strconv.Itoa(c.ComfyPort)
	}
	return c.ComfyHost
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 15*time.Minute), // generations are slow
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		ComfyHost: getEnv("COMFY_HOST", "127.0.0.1"),
		ComfyPort: getInt("COMFY_PORT", 8188),

		TemplatesDir:  getEnv("TEMPLATES_DIR", "templates"),
		WorkflowsFile: getEnv("WORKFLOWS_FILE", "workflows.yaml"),

		SubmitRPS:   getFloat("SUBMIT_RPS", 0),
		SubmitBurst: getInt("SUBMIT_BURST", 1),

		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 20),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
