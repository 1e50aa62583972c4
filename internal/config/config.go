// Package config provides YAML configuration loading, CLI-flag overlay, and
// validation for the kernel process.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the kernel process
// (spec §6.4), plus the ambient fields the domain-stack wiring needs.
type Config struct {
	// KernelID is this kernel instance's identity. It is also the inbound
	// queue name it polls. Required.
	KernelID string `yaml:"kernel_id"`

	// SessionMode, if set, keeps the kernel alive after a completed
	// execution instead of exiting.
	SessionMode bool `yaml:"session_mode"`

	// PingInterval is the liveness period in seconds. Defaults to 15.
	PingInterval int `yaml:"ping_interval"`

	// InputTimeout is the max seconds to wait for an input_response.
	// Defaults to 600.
	InputTimeout int `yaml:"input_timeout"`

	// MaxCodeExecutionTime is the per-execution wall-clock ceiling in
	// seconds. Defaults to 15. Must be <= 2 * PingInterval (spec §9's
	// deployment invariant): execution blocks the only thread, so a
	// longer ceiling risks a false liveness failure.
	MaxCodeExecutionTime int `yaml:"max_code_execution_time"`

	// BrokerServers is one or more host:port pairs for the queue broker.
	// Only used when BrokerBackend is "redis".
	BrokerServers []string `yaml:"broker_servers"`

	// BrokerBackend selects the Message I/O Adapter implementation:
	// "redis" or "sqlite". Defaults to "sqlite".
	BrokerBackend string `yaml:"broker_backend"`

	// SQLiteQueuePath is the database file for the embedded broker.
	// Defaults to "plutoid-kernel.db" when BrokerBackend is "sqlite".
	SQLiteQueuePath string `yaml:"sqlite_queue_path"`

	// RegistryDSN is an optional registry base URL the kernel reports its
	// status to. Empty disables registry reporting.
	RegistryDSN string `yaml:"registry_dsn"`

	// AuditLogPath is an optional path for the hash-chained execution
	// audit log. Empty disables auditing.
	AuditLogPath string `yaml:"audit_log_path"`

	// Verbose sets debug-level logging when true.
	Verbose bool `yaml:"verbose"`
}

// LoadConfig reads the YAML file at path (if non-empty), applies defaults,
// and validates required fields. An empty path yields a zero Config with
// defaults applied, so a caller can run purely off CLI flags, matching the
// original's pure-flags deployment style.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 15
	}
	if cfg.InputTimeout == 0 {
		cfg.InputTimeout = 600
	}
	if cfg.MaxCodeExecutionTime == 0 {
		cfg.MaxCodeExecutionTime = 15
	}
	if cfg.BrokerBackend == "" {
		cfg.BrokerBackend = "sqlite"
	}
	if cfg.SQLiteQueuePath == "" && cfg.BrokerBackend == "sqlite" {
		cfg.SQLiteQueuePath = "plutoid-kernel.db"
	}
}

var validBrokerBackends = map[string]bool{"redis": true, "sqlite": true}

// validate checks that all required fields are populated and that the
// execution-ceiling-vs-ping-interval deployment invariant (spec §9) holds.
func validate(cfg *Config) error {
	var errs []error

	if cfg.KernelID == "" {
		errs = append(errs, errors.New("kernel_id is required"))
	}
	if !validBrokerBackends[cfg.BrokerBackend] {
		errs = append(errs, fmt.Errorf("broker_backend %q must be one of: redis, sqlite", cfg.BrokerBackend))
	}
	if cfg.BrokerBackend == "redis" && len(cfg.BrokerServers) == 0 {
		errs = append(errs, errors.New(`broker_servers is required when broker_backend is "redis"`))
	}
	if cfg.MaxCodeExecutionTime > 2*cfg.PingInterval {
		errs = append(errs, fmt.Errorf(
			"max_code_execution_time (%d) must be <= 2 * ping_interval (%d): execution blocks the control loop's only thread",
			cfg.MaxCodeExecutionTime, 2*cfg.PingInterval))
	}

	return errors.Join(errs...)
}

// flagValues holds the raw flag.FlagSet destinations; zero values mean "the
// user didn't pass this flag" so Overlay can tell a default apart from an
// explicit override.
type flagValues struct {
	kernelID             string
	sessionMode          bool
	pingInterval         int
	inputTimeout         int
	maxCodeExecutionTime int
	brokerServers        string
	brokerBackend        string
	sqliteQueuePath      string
	registryDSN          string
	auditLogPath         string
	verbose              bool
}

// RegisterFlags declares the kernel's CLI flags on fs (mirroring the
// original's per-field CLI option surface) and returns an Overlay function
// that applies only the flags the caller actually set, so CLI flags take
// precedence over a loaded YAML file without a flag's zero value
// clobbering a configured one.
func RegisterFlags(fs *flag.FlagSet) func(cfg *Config) {
	v := &flagValues{}
	fs.StringVar(&v.kernelID, "kernel-id", "", "kernel identity and inbound queue name")
	fs.BoolVar(&v.sessionMode, "session-mode", false, "stay alive after a completed execution")
	fs.IntVar(&v.pingInterval, "ping-interval", 0, "liveness period in seconds")
	fs.IntVar(&v.inputTimeout, "input-timeout", 0, "seconds to wait for input_response")
	fs.IntVar(&v.maxCodeExecutionTime, "max-code-execution-time", 0, "per-execution wall clock seconds")
	fs.StringVar(&v.brokerServers, "broker-server", "", "comma-separated host:port pairs for the queue broker")
	fs.StringVar(&v.brokerBackend, "broker-backend", "", `"redis" or "sqlite"`)
	fs.StringVar(&v.sqliteQueuePath, "sqlite-queue-path", "", "database file for the embedded broker")
	fs.StringVar(&v.registryDSN, "registry-dsn", "", "optional registry base URL for status reporting")
	fs.StringVar(&v.auditLogPath, "audit-log-path", "", "optional path for the execution audit log")
	fs.BoolVar(&v.verbose, "verbose", false, "enable debug-level logging")

	return func(cfg *Config) {
		if v.kernelID != "" {
			cfg.KernelID = v.kernelID
		}
		if v.sessionMode {
			cfg.SessionMode = true
		}
		if v.pingInterval != 0 {
			cfg.PingInterval = v.pingInterval
		}
		if v.inputTimeout != 0 {
			cfg.InputTimeout = v.inputTimeout
		}
		if v.maxCodeExecutionTime != 0 {
			cfg.MaxCodeExecutionTime = v.maxCodeExecutionTime
		}
		if v.brokerServers != "" {
			cfg.BrokerServers = splitCommaList(v.brokerServers)
		}
		if v.brokerBackend != "" {
			cfg.BrokerBackend = v.brokerBackend
		}
		if v.sqliteQueuePath != "" {
			cfg.SQLiteQueuePath = v.sqliteQueuePath
		}
		if v.registryDSN != "" {
			cfg.RegistryDSN = v.registryDSN
		}
		if v.auditLogPath != "" {
			cfg.AuditLogPath = v.auditLogPath
		}
		if v.verbose {
			cfg.Verbose = true
		}
	}
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
