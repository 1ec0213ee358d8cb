// Package config loads runtime configuration from an optional YAML file and
// ET_-prefixed environment variables. Environment values override file values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the full runtime configuration of a trace run.
type Config struct {
	App       string        `yaml:"app"`
	Duration  time.Duration `yaml:"duration"`
	Preamble  time.Duration `yaml:"preamble"`
	Events    []string      `yaml:"events"`
	Tracer    string        `yaml:"tracer"`
	SkipClear bool          `yaml:"skip_clear"`
	Draw      bool          `yaml:"draw"`
	Subgraph  bool          `yaml:"subgraph"`
	MaxEvents int           `yaml:"max_events"`

	ResultsDir string `yaml:"results_dir"`
	LogLevel   slog.Level

	ADB     ADBConfig     `yaml:"adb"`
	Device  DeviceConfig  `yaml:"device"`
	Monitor MonitorConfig `yaml:"monitor"`
	Server  ServerConfig  `yaml:"server"`
}

// ADBConfig captures how the command channel reaches the device.
type ADBConfig struct {
	Binary         string        `yaml:"binary"`
	Serial         string        `yaml:"serial"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DeviceConfig holds remote filesystem locations consumed by a trace session.
type DeviceConfig struct {
	TracingRoot     string        `yaml:"tracing_root"`
	SysLoggerScript string        `yaml:"syslogger_script"`
	TraceDat        string        `yaml:"trace_dat"`
	TraceReport     string        `yaml:"trace_report"`
	BinderLog       string        `yaml:"binder_log"`
	BufferTargetKB  int           `yaml:"buffer_target_kb"`
	BufferStepKB    int           `yaml:"buffer_step_kb"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
}

// MonitorConfig contains settings for the live metrics monitor.
type MonitorConfig struct {
	Enable   bool          `yaml:"enable"`
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig captures tunables for the status HTTP server.
type ServerConfig struct {
	Enable           bool            `yaml:"enable"`
	ListenAddr       string          `yaml:"listen_addr"`
	AllowedOrigins   []string        `yaml:"allowed_origins"`
	EnablePrometheus bool            `yaml:"enable_prometheus"`
	EnablePprof      bool            `yaml:"enable_pprof"`
	WS               WebsocketConfig `yaml:"ws"`
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int           `yaml:"max_clients"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

// Load parses configuration, applying defaults, then the optional YAML file
// named by ET_CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	cfg := Config{
		Tracer:     "nop",
		Preamble:   2 * time.Second,
		ResultsDir: "results",
		LogLevel:   slog.LevelInfo,
		ADB: ADBConfig{
			Binary:         "adb",
			CommandTimeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			TracingRoot:     "/d/tracing",
			SysLoggerScript: "/data/local/tmp/sys_logger.sh",
			TraceDat:        "/data/local/tmp/trace.dat",
			TraceReport:     "/data/local/tmp/trace.report",
			BinderLog:       "/d/binder/transaction_log",
			BufferTargetKB:  17000,
			BufferStepKB:    500,
			PollInterval:    100 * time.Millisecond,
			SettleDelay:     500 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Enable:   true,
			Interval: 2 * time.Second,
		},
		Server: ServerConfig{
			Enable:         false,
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
			WS: WebsocketConfig{
				MaxClients:   64,
				WriteTimeout: 3 * time.Second,
				ReadTimeout:  30 * time.Second,
			},
		},
	}

	if path := strings.TrimSpace(os.Getenv("ET_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read ET_CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if value := strings.TrimSpace(os.Getenv("ET_APP")); value != "" {
		cfg.App = value
	}

	if value := strings.TrimSpace(os.Getenv("ET_DURATION")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_DURATION: %w", err)
		}
		if duration <= 0 {
			return Config{}, fmt.Errorf("ET_DURATION must be > 0")
		}
		cfg.Duration = duration
	}

	if value := strings.TrimSpace(os.Getenv("ET_PREAMBLE")); value != "" {
		preamble, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_PREAMBLE: %w", err)
		}
		if preamble < 0 {
			return Config{}, fmt.Errorf("ET_PREAMBLE must be >= 0")
		}
		cfg.Preamble = preamble
	}

	if value := strings.TrimSpace(os.Getenv("ET_EVENTS")); value != "" {
		cfg.Events = splitAndTrim(value, ",")
	}
	cfg.Events = dedupe(cfg.Events)

	if value := strings.TrimSpace(os.Getenv("ET_TRACER")); value != "" {
		cfg.Tracer = value
	}

	if value := strings.TrimSpace(os.Getenv("ET_SKIP_CLEAR")); value != "" {
		skip, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_SKIP_CLEAR: %w", err)
		}
		cfg.SkipClear = skip
	}

	if value := strings.TrimSpace(os.Getenv("ET_DRAW")); value != "" {
		draw, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_DRAW: %w", err)
		}
		cfg.Draw = draw
	}

	if value := strings.TrimSpace(os.Getenv("ET_SUBGRAPH")); value != "" {
		sub, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_SUBGRAPH: %w", err)
		}
		cfg.Subgraph = sub
	}

	if value := strings.TrimSpace(os.Getenv("ET_MAX_EVENTS")); value != "" {
		maxEvents, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_MAX_EVENTS: %w", err)
		}
		if maxEvents < 0 {
			return Config{}, fmt.Errorf("ET_MAX_EVENTS must be >= 0")
		}
		cfg.MaxEvents = maxEvents
	}

	if value := strings.TrimSpace(os.Getenv("ET_RESULTS_DIR")); value != "" {
		cfg.ResultsDir = value
	}

	if value := strings.TrimSpace(os.Getenv("ET_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("ET_ADB_BINARY")); value != "" {
		cfg.ADB.Binary = value
	}

	if value := strings.TrimSpace(os.Getenv("ET_ADB_SERIAL")); value != "" {
		cfg.ADB.Serial = value
	}

	if value := strings.TrimSpace(os.Getenv("ET_ADB_COMMAND_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_ADB_COMMAND_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("ET_ADB_COMMAND_TIMEOUT must be > 0")
		}
		cfg.ADB.CommandTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("ET_TRACING_ROOT")); value != "" {
		cfg.Device.TracingRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("ET_BUFFER_TARGET_KB")); value != "" {
		target, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_BUFFER_TARGET_KB: %w", err)
		}
		if target <= 0 {
			return Config{}, fmt.Errorf("ET_BUFFER_TARGET_KB must be > 0")
		}
		cfg.Device.BufferTargetKB = target
	}

	if value := strings.TrimSpace(os.Getenv("ET_MONITOR_ENABLE")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_MONITOR_ENABLE: %w", err)
		}
		cfg.Monitor.Enable = enabled
	}

	if value := strings.TrimSpace(os.Getenv("ET_MONITOR_INTERVAL")); value != "" {
		interval, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_MONITOR_INTERVAL: %w", err)
		}
		if interval <= 0 {
			return Config{}, fmt.Errorf("ET_MONITOR_INTERVAL must be > 0")
		}
		cfg.Monitor.Interval = interval
	}

	if value := strings.TrimSpace(os.Getenv("ET_SERVER_ENABLE")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_SERVER_ENABLE: %w", err)
		}
		cfg.Server.Enable = enabled
	}

	if value := strings.TrimSpace(os.Getenv("ET_SERVER_LISTEN_ADDR")); value != "" {
		cfg.Server.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("ET_SERVER_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("ET_SERVER_ALLOWED_ORIGINS must not be empty")
		}
		cfg.Server.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("ET_SERVER_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_SERVER_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.Server.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("ET_SERVER_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ET_SERVER_ENABLE_PPROF: %w", err)
		}
		cfg.Server.EnablePprof = enabled
	}

	return cfg, nil
}

// ValidateRun checks the fields a trace run cannot proceed without.
func (c Config) ValidateRun() error {
	if strings.TrimSpace(c.App) == "" {
		return fmt.Errorf("application name must not be empty")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	if c.Preamble < 0 {
		return fmt.Errorf("preamble must be >= 0")
	}
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// dedupe removes duplicates while preserving first-seen order.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
