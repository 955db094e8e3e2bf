package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"calltrace/version"
)

type Config struct {
	OutputFileName string   `json:"output_file_name"`
	Workload       string   `json:"workload"`
	Depth          int      `json:"depth"`
	Goroutines     int      `json:"goroutines"`
	Iterations     int      `json:"iterations"`
	ThreadID       string   `json:"thread_id"`
	Include        []string `json:"include_functions"`
	Exclude        []string `json:"exclude_functions"`
	VerifyFile     string   `json:"verify_file"`
	Repair         bool     `json:"repair"`
	LogLevel       string   `json:"log_level"`
	ConfigFile     string   `json:"config_file"`

	SyncEvery    int           `json:"sync_every"`
	SyncInterval time.Duration `json:"sync_interval"`
	Checksum     string        `json:"checksum"`

	DiagStallThreshold time.Duration `json:"diag_stall_threshold"`
	DiagDir            string        `json:"diag_dir"`
	DiagGoroutineLeak  bool          `json:"diag_goroutine_leak"`

	OtelEndpoint    string            `json:"otel_endpoint"`
	OtelFromEnv     bool              `json:"otel_from_env"`
	OtelHeaders     map[string]string `json:"otel_headers"`
	OtelServiceName string            `json:"otel_service_name"`
	OtelTimeout     time.Duration     `json:"otel_timeout"`
	OtelExportPaths bool              `json:"otel_export_paths"`

	TraceFlight         bool          `json:"trace_flight"`
	TraceFlightFile     string        `json:"trace_flight_file"`
	TraceFlightMaxBytes uint64        `json:"trace_flight_max_bytes"`
	TraceFlightMinAge   time.Duration `json:"trace_flight_min_age"`
}

func LoadConfig() (*Config, error) {
	now := time.Now().UTC()
	cfg := &Config{
		OutputFileName:     fmt.Sprintf("calltrace-%s.json", now.Format("20060102-150405")),
		Workload:           "fib",
		Depth:              12,
		Goroutines:         4,
		Iterations:         1,
		ThreadID:           "goroutine",
		LogLevel:           "info",
		SyncEvery:          0,
		SyncInterval:       0,
		Checksum:           "none",
		DiagStallThreshold: 0,
		DiagDir:            ".",
		OtelHeaders:        map[string]string{},
		OtelServiceName:    "calltrace",
		OtelTimeout:        5 * time.Second,
		TraceFlightFile:    "trace-flight.out",
	}

	output := flag.String("output", cfg.OutputFileName, "Trace file to write (default: calltrace-<timestamp>.json).")
	workload := flag.String("workload", cfg.Workload, fmt.Sprintf("Workload to trace: fib or fanout (default: %s).", cfg.Workload))
	depth := flag.Int("depth", cfg.Depth, fmt.Sprintf("Recursion depth for the fib workload (default: %d).", cfg.Depth))
	goroutines := flag.Int("goroutines", cfg.Goroutines, fmt.Sprintf("Worker goroutines for the fanout workload (default: %d).", cfg.Goroutines))
	iterations := flag.Int("iterations", cfg.Iterations, fmt.Sprintf("Workload repetitions (default: %d).", cfg.Iterations))
	threadID := flag.String("thread-id", cfg.ThreadID, fmt.Sprintf("Thread identity recorded as tid: goroutine or os (default: %s).", cfg.ThreadID))
	includes := flag.String("include", "", "Comma-separated function globs or regexps to trace (default: all).")
	excludes := flag.String("exclude", "", "Comma-separated function globs or regexps to skip (default: none).")
	verify := flag.String("verify", "", "Parse and check an existing trace file, then exit (default: none).")
	repair := flag.Bool("repair", cfg.Repair, "With -verify, seal a truncated trace in place (default: false).")
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	syncEvery := flag.Int("sync-every", cfg.SyncEvery, "Fsync the trace file every N records (default: 0, never).")
	syncInterval := flag.Duration("sync-interval", cfg.SyncInterval, "Fsync the trace file at most this long after the last sync (default: 0, never).")
	checksum := flag.String("checksum", cfg.Checksum, "Write a checksum sidecar on close: none, xxhash, blake3, or sha256 (default: none).")
	diagStallThreshold := flag.Duration(
		"diag-stall-threshold",
		cfg.DiagStallThreshold,
		"Write stall diagnostics when no event is recorded for this long (default: 0, disabled).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Write goroutine leak profile on shutdown (default: false).",
	)
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: calltrace).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include full source paths in OTEL payloads (default: false).")
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("calltrace version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.OutputFileName = *output
		case "workload":
			cfg.Workload = *workload
		case "depth":
			cfg.Depth = *depth
		case "goroutines":
			cfg.Goroutines = *goroutines
		case "iterations":
			cfg.Iterations = *iterations
		case "thread-id":
			cfg.ThreadID = *threadID
		case "include":
			cfg.Include = parseCommaSeparated(*includes)
		case "exclude":
			cfg.Exclude = parseCommaSeparated(*excludes)
		case "verify":
			cfg.VerifyFile = strings.TrimSpace(*verify)
		case "repair":
			cfg.Repair = *repair
		case "log-level":
			cfg.LogLevel = *logLevel
		case "sync-every":
			cfg.SyncEvery = *syncEvery
		case "sync-interval":
			cfg.SyncInterval = *syncInterval
		case "checksum":
			cfg.Checksum = *checksum
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStallThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("calltrace - function call/return tracer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  calltrace [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  calltrace -workload fib -depth 15 -output fib.json")
	fmt.Println("  calltrace -workload fanout -goroutines 8 -checksum xxhash")
	fmt.Println("  calltrace -verify fib.json -repair")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Workload = strings.ToLower(strings.TrimSpace(cfg.Workload))
	cfg.ThreadID = strings.ToLower(strings.TrimSpace(cfg.ThreadID))
	cfg.Checksum = strings.ToLower(strings.TrimSpace(cfg.Checksum))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.Checksum == "" {
		cfg.Checksum = "none"
	}
	if cfg.ThreadID == "" {
		cfg.ThreadID = "goroutine"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
}

func (cfg *Config) validate() error {
	if cfg.VerifyFile == "" && strings.TrimSpace(cfg.OutputFileName) == "" {
		return fmt.Errorf("output file name must not be empty")
	}
	if cfg.Repair && cfg.VerifyFile == "" {
		return fmt.Errorf("--repair requires --verify")
	}
	if cfg.Workload != "fib" && cfg.Workload != "fanout" {
		return fmt.Errorf("invalid workload: %s", cfg.Workload)
	}
	if cfg.Depth < 0 {
		return fmt.Errorf("depth must be zero or positive")
	}
	if cfg.Goroutines <= 0 {
		return fmt.Errorf("goroutines must be positive")
	}
	if cfg.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive")
	}
	if cfg.ThreadID != "goroutine" && cfg.ThreadID != "os" {
		return fmt.Errorf("invalid thread-id value: %s", cfg.ThreadID)
	}
	if cfg.SyncEvery < 0 {
		return fmt.Errorf("sync-every must be zero or positive")
	}
	if cfg.SyncInterval < 0 {
		return fmt.Errorf("sync-interval must be zero or positive")
	}
	if cfg.Checksum != "none" && cfg.Checksum != "xxhash" && cfg.Checksum != "blake3" && cfg.Checksum != "sha256" {
		return fmt.Errorf("invalid checksum value: %s", cfg.Checksum)
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
