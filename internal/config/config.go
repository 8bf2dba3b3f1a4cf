// Package config loads the agent configuration. Sources are applied in order:
// built-in defaults, an optional YAML file, environment variables and finally
// command-line flags.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
	"github.com/Chichichkin/LogtailAgent/internal/logging/handler"
	"github.com/Chichichkin/LogtailAgent/internal/logging/logtail"
	"github.com/Chichichkin/LogtailAgent/internal/tailer"
)

// ConfigPathEnv names the file loaded when --config is not given.
const ConfigPathEnv = "LOGTAIL_CONFIG"

type Config struct {
	SourceToken    string        `yaml:"source_token"`
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Compress       bool          `yaml:"compress"`

	FlushPeriod  time.Duration `yaml:"flush_period"`
	MaxBatchSize int           `yaml:"max_batch_size"`

	LoggerName            string            `yaml:"logger_name"`
	Level                 string            `yaml:"level"`
	CaptureSourceLocation bool              `yaml:"capture_source_location"`
	GlobalContext         map[string]string `yaml:"global_context"`
	Console               bool              `yaml:"console"`

	LogRootPath     string        `yaml:"log_path"`
	NodeName        string        `yaml:"node_name"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	Workers         int           `yaml:"workers"`
	FileQueueSize   int           `yaml:"queue_size"`
	FileIdleTimeout time.Duration `yaml:"file_idle_timeout"`
	ReadFromStart   bool          `yaml:"read_from_start"`

	MetricsAddr     string        `yaml:"metrics_addr"`
	ReportInterval  time.Duration `yaml:"report_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AgentLogLevel   string        `yaml:"agent_log_level"`
}

func Default() *Config {
	return &Config{
		Endpoint:        logtail.DefaultEndpoint,
		RequestTimeout:  logtail.DefaultTimeout,
		MaxRetries:      logtail.DefaultRetries,
		FlushPeriod:     logging.DefaultFlushPeriod,
		MaxBatchSize:    logging.DefaultMaxBatchSize,
		LoggerName:      "logtail-agent",
		Level:           "info",
		LogRootPath:     "/var/log/pods",
		NodeName:        "unknown",
		ScanInterval:    30 * time.Second,
		Workers:         4,
		FileQueueSize:   50,
		FileIdleTimeout: 5 * time.Minute,
		ReportInterval:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		AgentLogLevel:   "info",

		CaptureSourceLocation: true,
	}
}

// Load builds the configuration from all sources. args excludes the program
// name. pflag.ErrHelp is returned as is when -h/--help is given.
func Load(args []string) (*Config, error) {
	cfg := Default()

	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	fs := cfg.flagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to parse flags")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath finds --config with a throwaway parse, so that the file can be
// loaded before the flags that override it.
func configPath(args []string) (string, error) {
	fs := Default().flagSet()
	fs.Usage = func() {}
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", errors.Wrap(err, "failed to parse flags")
	}
	return fs.GetString("config")
}

// LoadFile merges a YAML file into c. Keys missing from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.SourceToken = getEnv("LOGTAIL_SOURCE_TOKEN", c.SourceToken)
	c.Endpoint = getEnv("LOGTAIL_ENDPOINT", c.Endpoint)
	c.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.MaxRetries = getEnvAsInt("MAX_RETRIES", c.MaxRetries)
	c.Compress = getEnvAsBool("COMPRESS", c.Compress)

	c.FlushPeriod = getEnvAsDuration("FLUSH_PERIOD", c.FlushPeriod)
	c.MaxBatchSize = getEnvAsInt("MAX_BATCH_SIZE", c.MaxBatchSize)

	c.LoggerName = getEnv("LOGGER_NAME", c.LoggerName)
	c.Level = getEnv("LOG_LEVEL", c.Level)
	c.CaptureSourceLocation = getEnvAsBool("CAPTURE_SOURCE_LOCATION", c.CaptureSourceLocation)
	c.Console = getEnvAsBool("CONSOLE", c.Console)

	c.LogRootPath = getEnv("LOG_PATH", c.LogRootPath)
	c.NodeName = getEnv("NODE_NAME", c.NodeName)
	c.ScanInterval = getEnvAsDuration("SCAN_INTERVAL", c.ScanInterval)
	c.Workers = getEnvAsInt("WORKERS", c.Workers)
	c.FileQueueSize = getEnvAsInt("QUEUE_SIZE", c.FileQueueSize)
	c.FileIdleTimeout = getEnvAsDuration("FILE_IDLE_TIMEOUT", c.FileIdleTimeout)
	c.ReadFromStart = getEnvAsBool("READ_FROM_START", c.ReadFromStart)

	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.ReportInterval = getEnvAsDuration("REPORT_INTERVAL", c.ReportInterval)
	c.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.AgentLogLevel = getEnv("AGENT_LOG_LEVEL", c.AgentLogLevel)
}

// flagSet binds every flag to c, using the values loaded so far as defaults.
func (c *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("logtail-agent", pflag.ContinueOnError)

	fs.String("config", os.Getenv(ConfigPathEnv), "path to a YAML config file (env "+ConfigPathEnv+")")

	fs.StringVar(&c.SourceToken, "source-token", c.SourceToken, "Logtail source token")
	fs.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "ingestion endpoint")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout of a single request")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "send attempts per batch")
	fs.BoolVar(&c.Compress, "compress", c.Compress, "gzip request bodies")

	fs.DurationVar(&c.FlushPeriod, "flush-period", c.FlushPeriod, "interval between flushes")
	fs.IntVar(&c.MaxBatchSize, "max-batch-size", c.MaxBatchSize, "maximum records per request")

	fs.StringVar(&c.LoggerName, "logger-name", c.LoggerName, "value of context.logger")
	fs.StringVar(&c.Level, "level", c.Level, "minimum level shipped (trace, debug, info, warn, error, fatal)")
	fs.BoolVar(&c.CaptureSourceLocation, "capture-source", c.CaptureSourceLocation, "report file and line of each record")
	fs.StringToStringVar(&c.GlobalContext, "gdc", c.GlobalContext, "key=value pairs attached to every record")
	fs.BoolVar(&c.Console, "console", c.Console, "echo shipped records to stdout")

	fs.StringVar(&c.LogRootPath, "log-path", c.LogRootPath, "directory scanned for *.log files")
	fs.StringVar(&c.NodeName, "node-name", c.NodeName, "node label attached to tailed lines")
	fs.DurationVar(&c.ScanInterval, "scan-interval", c.ScanInterval, "interval between directory scans")
	fs.IntVar(&c.Workers, "workers", c.Workers, "files tailed concurrently")
	fs.IntVar(&c.FileQueueSize, "queue-size", c.FileQueueSize, "files waiting for a worker")
	fs.DurationVar(&c.FileIdleTimeout, "file-idle-timeout", c.FileIdleTimeout, "release files without new lines for this long (0 keeps them)")
	fs.BoolVar(&c.ReadFromStart, "read-from-start", c.ReadFromStart, "read new files from the beginning")

	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address serving /metrics (empty disables)")
	fs.DurationVar(&c.ReportInterval, "report-interval", c.ReportInterval, "interval between stats reports (0 disables)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time allowed to flush on shutdown")
	fs.StringVar(&c.AgentLogLevel, "agent-log-level", c.AgentLogLevel, "level of the agent's own logs")

	return fs
}

func (c *Config) Validate() error {
	if c.SourceToken == "" {
		return errors.New("source token is required")
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.Wrap(err, "invalid endpoint")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("invalid endpoint %q: want an absolute http(s) URL", c.Endpoint)
	}

	switch {
	case c.MaxRetries < 0:
		return errors.New("max retries must not be negative")
	case c.MaxBatchSize <= 0:
		return errors.New("max batch size must be positive")
	case c.FlushPeriod <= 0:
		return errors.New("flush period must be positive")
	case c.Workers <= 0:
		return errors.New("workers must be positive")
	case c.FileQueueSize <= 0:
		return errors.New("queue size must be positive")
	case c.ScanInterval <= 0:
		return errors.New("scan interval must be positive")
	}

	if _, err := handler.ParseLevel(c.Level); err != nil {
		return errors.Wrap(err, "invalid level")
	}
	if _, err := handler.ParseLevel(c.AgentLogLevel); err != nil {
		return errors.Wrap(err, "invalid agent log level")
	}
	return nil
}

func (c *Config) ClientConfig(logger *slog.Logger) logtail.Config {
	return logtail.Config{
		Endpoint: c.Endpoint,
		Timeout:  c.RequestTimeout,
		Retries:  c.MaxRetries,
		Compress: c.Compress,
		Logger:   logger,
	}
}

func (c *Config) DrainConfig(logger *slog.Logger) logging.Config {
	return logging.Config{
		FlushPeriod:  c.FlushPeriod,
		MaxBatchSize: c.MaxBatchSize,
		Logger:       logger,
	}
}

// HandlerOptions expects a validated config.
func (c *Config) HandlerOptions(console io.Writer) handler.Options {
	level, _ := handler.ParseLevel(c.Level)

	var gdc map[string]any
	if len(c.GlobalContext) > 0 {
		gdc = make(map[string]any, len(c.GlobalContext))
		for k, v := range c.GlobalContext {
			gdc[k] = v
		}
	}
	if !c.Console {
		console = nil
	}

	return handler.Options{
		LoggerName:            c.LoggerName,
		Level:                 level,
		CaptureSourceLocation: c.CaptureSourceLocation,
		GlobalContext:         gdc,
		Console:               console,
	}
}

func (c *Config) TailerConfig(logger *slog.Logger) tailer.Config {
	return tailer.Config{
		LogRootPath:     c.LogRootPath,
		ScanInterval:    c.ScanInterval,
		Workers:         c.Workers,
		FileQueueSize:   c.FileQueueSize,
		NodeName:        c.NodeName,
		FileIdleTimeout: c.FileIdleTimeout,
		ReadFromStart:   c.ReadFromStart,
		Logger:          logger,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
