package corekit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide configuration shared by every subsystem:
// where checkpoints live on disk, how many to retain, which named policies
// apply by default, and the ambient logging/development settings.
//
// Configuration supports three-layer priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithStorageRoot("/var/lib/ghostcrawl/checkpoints"),
//	    WithRetentionCount(10),
//	)
type Config struct {
	// StorageRoot is the directory under which the checkpoint manager lays
	// out its per-job subdirectories.
	StorageRoot string `json:"storage_root" env:"GHOSTCRAWL_STORAGE_ROOT" default:"./checkpoints"`

	// RetentionCount is how many checkpoint generations the checkpoint
	// manager keeps per job before pruning the oldest.
	RetentionCount int `json:"retention_count" env:"GHOSTCRAWL_RETENTION_COUNT" default:"5"`

	// DefaultRetryPolicy names the retry policy applied when a job does not
	// select one explicitly.
	DefaultRetryPolicy string `json:"default_retry_policy" env:"GHOSTCRAWL_DEFAULT_RETRY_POLICY" default:"standard"`

	// DefaultAbortPolicy names the abort-controller policy applied when a
	// job does not select one explicitly.
	DefaultAbortPolicy string `json:"default_abort_policy" env:"GHOSTCRAWL_DEFAULT_ABORT_POLICY" default:"standard"`

	// ResourceSampleInterval is how often the resource monitor samples
	// memory, CPU, disk, and connection usage.
	ResourceSampleInterval time.Duration `json:"resource_sample_interval" env:"GHOSTCRAWL_RESOURCE_SAMPLE_INTERVAL" default:"15s"`

	// Logging configuration.
	Logging LoggingConfig `json:"logging"`

	// Development configuration.
	Development DevelopmentConfig `json:"development"`

	// logger is used for configuration operations themselves (excluded
	// from JSON/YAML serialization).
	logger Logger `json:"-" yaml:"-"`
}

// LoggingConfig contains logging configuration. Supports structured (JSON)
// and human-readable (text) formats.
type LoggingConfig struct {
	Level      string `json:"level" env:"GHOSTCRAWL_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"GHOSTCRAWL_LOG_FORMAT" default:"text"`
	Output     string `json:"output" env:"GHOSTCRAWL_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"GHOSTCRAWL_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.999999999Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
// When Enabled=true, pretty logs and debug logging are switched on.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"GHOSTCRAWL_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"GHOSTCRAWL_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"GHOSTCRAWL_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for configuring the core. Options are
// applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults for local
// development: relative checkpoint storage, text logging.
func DefaultConfig() *Config {
	return &Config{
		StorageRoot:            "./checkpoints",
		RetentionCount:         5,
		DefaultRetryPolicy:     "standard",
		DefaultAbortPolicy:     "standard",
		ResourceSampleInterval: 15 * time.Second,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{
			Enabled:      false,
			DebugLogging: false,
			PrettyLogs:   false,
		},
	}
}

// LoadFromEnv loads configuration from environment variables and validates
// the result. Environment variables take precedence over defaults but are
// overridden by functional options.
func (c *Config) LoadFromEnv() error {
	if c.logger != nil {
		c.logger.Info("loading configuration from environment", map[string]interface{}{
			"config_source": "environment_variables",
		})
	}

	if v := os.Getenv("GHOSTCRAWL_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("GHOSTCRAWL_RETENTION_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetentionCount = n
		} else if c.logger != nil {
			c.logger.Warn("invalid retention count in environment", map[string]interface{}{
				"GHOSTCRAWL_RETENTION_COUNT": v,
				"error":                      err.Error(),
			})
		}
	}
	if v := os.Getenv("GHOSTCRAWL_DEFAULT_RETRY_POLICY"); v != "" {
		c.DefaultRetryPolicy = v
	}
	if v := os.Getenv("GHOSTCRAWL_DEFAULT_ABORT_POLICY"); v != "" {
		c.DefaultAbortPolicy = v
	}
	if v := os.Getenv("GHOSTCRAWL_RESOURCE_SAMPLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ResourceSampleInterval = d
		}
	}
	if v := os.Getenv("GHOSTCRAWL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GHOSTCRAWL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GHOSTCRAWL_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("GHOSTCRAWL_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("GHOSTCRAWL_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}

	if err := c.Validate(); err != nil {
		if c.logger != nil {
			c.logger.Error("configuration validation failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return err
	}

	if c.logger != nil {
		c.logger.Info("configuration loading completed", map[string]interface{}{
			"storage_root":     c.StorageRoot,
			"retention_count":  c.RetentionCount,
			"logging_level":    c.Logging.Level,
			"development_mode": c.Development.Enabled,
		})
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file, allowing an
// operator to check in a policy file alongside the job definitions instead
// of threading everything through environment variables.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- path is validated above
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	if c.logger != nil {
		c.logger.Info("configuration file loaded", map[string]interface{}{
			"file_path": cleanPath,
			"extension": ext,
		})
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "storage root is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.RetentionCount < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid retention count: %d", c.RetentionCount),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.DefaultRetryPolicy == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "default retry policy name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.DefaultAbortPolicy == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "default abort policy name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.ResourceSampleInterval <= 0 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "resource sample interval must be positive",
			Err:     ErrInvalidConfiguration,
		}
	}

	return nil
}

// parseBool converts a string to a boolean value. Accepts "true", "1",
// "yes", "on" (case-insensitive) as true; everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithStorageRoot sets the directory where checkpoints are written.
func WithStorageRoot(path string) Option {
	return func(c *Config) error {
		c.StorageRoot = path
		return nil
	}
}

// WithRetentionCount sets how many checkpoint generations to keep per job.
func WithRetentionCount(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return &FrameworkError{
				Op:      "WithRetentionCount",
				Kind:    "config",
				Message: fmt.Sprintf("invalid retention count: %d", n),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.RetentionCount = n
		return nil
	}
}

// WithDefaultRetryPolicy sets the retry policy name used when a job does
// not select one explicitly.
func WithDefaultRetryPolicy(name string) Option {
	return func(c *Config) error {
		c.DefaultRetryPolicy = name
		return nil
	}
}

// WithDefaultAbortPolicy sets the abort policy name used when a job does
// not select one explicitly.
func WithDefaultAbortPolicy(name string) Option {
	return func(c *Config) error {
		c.DefaultAbortPolicy = name
		return nil
	}
}

// WithResourceSampleInterval sets how often the resource monitor samples.
func WithResourceSampleInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return &FrameworkError{
				Op:      "WithResourceSampleInterval",
				Kind:    "config",
				Message: "sample interval must be positive",
				Err:     ErrInvalidConfiguration,
			}
		}
		c.ResourceSampleInterval = d
		return nil
	}
}

// WithLogLevel sets the minimum logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the logging output format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile loads configuration from a JSON or YAML file at its place
// in the option list, so options after it can still override file settings.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDevelopmentMode enables development mode: pretty logs, debug level.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// WithLogger sets a logger for configuration operations themselves.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig creates a new configuration with the provided options, applied
// in order: defaults, then environment variables, then functional options,
// then validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, "ghostcrawl")
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configuration's logger, primarily for components that
// are built directly from a *Config rather than an injected Logger.
func (c *Config) Logger() Logger {
	return c.logger
}

// ============================================================================
// ProductionLogger Implementation
// ============================================================================

// ProductionLogger provides structured logging for the core subsystems.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		format:         logging.Format,
		output:         output,
		metricsEnabled: false,
	}
}

// EnableMetrics is called once a metrics registry is installed.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

// WithComponent tags subsequent log lines with a component identifier,
// sharing the base logger's level/format/output configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	return &componentLogger{base: p, component: component}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	p.logEventFor("", level, msg, fields, ctx)
}

func (p *ProductionLogger) logEventFor(component, level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if component != "" {
			logEntry["component"] = component
		}

		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}

		compTag := ""
		if component != "" {
			compTag = fmt.Sprintf("[%s] ", component)
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s%s\n",
			timestamp, level, p.serviceName, compTag, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(component, level, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(component, level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
	}
	if component != "" {
		labels = append(labels, "component", component)
	}

	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "job_id", "policy":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "ghostcrawl.core.operations", 1.0, labels...)
	} else {
		emitMetric("ghostcrawl.core.operations", 1.0, labels...)
	}
}

// componentLogger wraps a ProductionLogger, tagging every line with a fixed
// component identifier.
type componentLogger struct {
	base      *ProductionLogger
	component string
}

func (c *componentLogger) Info(msg string, fields map[string]interface{}) {
	c.base.logEventFor(c.component, "INFO", msg, fields, nil)
}
func (c *componentLogger) Error(msg string, fields map[string]interface{}) {
	c.base.logEventFor(c.component, "ERROR", msg, fields, nil)
}
func (c *componentLogger) Warn(msg string, fields map[string]interface{}) {
	c.base.logEventFor(c.component, "WARN", msg, fields, nil)
}
func (c *componentLogger) Debug(msg string, fields map[string]interface{}) {
	if c.base.debug {
		c.base.logEventFor(c.component, "DEBUG", msg, fields, nil)
	}
}
func (c *componentLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.logEventFor(c.component, "INFO", msg, fields, ctx)
}
func (c *componentLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.logEventFor(c.component, "ERROR", msg, fields, ctx)
}
func (c *componentLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.logEventFor(c.component, "WARN", msg, fields, ctx)
}
func (c *componentLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if c.base.debug {
		c.base.logEventFor(c.component, "DEBUG", msg, fields, ctx)
	}
}

// Helper functions for weak coupling to the metrics registry.
func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if baggageRegistry, ok := globalMetricsRegistry.(interface {
		GetBaggage(ctx context.Context) map[string]string
	}); ok {
		return baggageRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
