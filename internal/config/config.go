// Package config handles configuration for tb-harden.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config file is read from when --config is not
// given.
const DefaultPath = "/etc/tb-harden/config.yaml"

// Gate bounds the health gate.
type Gate struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
	Settle     time.Duration `yaml:"settle"`
	Timeout    time.Duration `yaml:"timeout"`
	CAFile     string        `yaml:"ca_file,omitempty"`

	// ClusterCheck confirms readiness through the API server when a
	// kubeconfig is available.
	ClusterCheck bool `yaml:"cluster_check"`
}

// Verify bounds runtime verification and stale repair.
type Verify struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	Window         time.Duration `yaml:"window"`
	RecheckEvery   time.Duration `yaml:"recheck_interval"`
	RecheckTries   int           `yaml:"recheck_attempts"`
	RecheckTimeout time.Duration `yaml:"recheck_timeout"`
}

// Confirm bounds the post-fix audit confirmation.
type Confirm struct {
	Interval time.Duration `yaml:"interval"`
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config holds all tb-harden configuration.
type Config struct {
	NodeName string `yaml:"node_name,omitempty"`

	Catalog         string        `yaml:"catalog"`
	ProbeDir        string        `yaml:"probe_dir,omitempty"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	PublicKey       string        `yaml:"public_key,omitempty"`
	SignatureMaxAge time.Duration `yaml:"signature_max_age,omitempty"`

	BackupRoot      string `yaml:"backup_root"`
	BackupRetention int    `yaml:"backup_retention"`
	AuditLog        string `yaml:"audit_log"`

	Kubeconfig      string `yaml:"kubeconfig,omitempty"`
	RuntimeEndpoint string `yaml:"runtime_endpoint,omitempty"`
	KubeletUnit     string `yaml:"kubelet_unit"`

	// Nsenter runs host commands in PID 1's mount namespace (DaemonSet mode).
	Nsenter bool `yaml:"nsenter"`

	Workers        int           `yaml:"workers"`
	MutationBudget int           `yaml:"mutation_budget"`
	RollbackDelay  time.Duration `yaml:"rollback_delay"`
	Gate           Gate          `yaml:"gate"`
	Verify         Verify        `yaml:"verify"`
	Confirm        Confirm       `yaml:"confirm"`

	MetricsTextfile string `yaml:"metrics_textfile,omitempty"`
	ReportURL       string `yaml:"report_url,omitempty"`
	ReportToken     string `yaml:"report_token,omitempty"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Catalog:         "/etc/tb-harden/catalog.yaml",
		ProbeTimeout:    60 * time.Second,
		BackupRoot:      "/var/lib/tb-harden/backups",
		BackupRetention: 10,
		AuditLog:        "/var/log/tb-harden/audit.log",
		KubeletUnit:     "kubelet",
		Workers:         4,
		RollbackDelay:   5 * time.Second,
		Gate: Gate{
			Interval:     5 * time.Second,
			MaxRetries:   60,
			Settle:       15 * time.Second,
			Timeout:      5 * time.Second,
			ClusterCheck: true,
		},
		Verify: Verify{
			PollInterval:   5 * time.Second,
			Window:         90 * time.Second,
			RecheckEvery:   5 * time.Second,
			RecheckTries:   12,
			RecheckTimeout: time.Minute,
		},
		Confirm: Confirm{
			Interval: 2 * time.Second,
			Attempts: 5,
			Timeout:  30 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads path over the defaults, then applies TB_* environment
// overrides. A missing file is only an error when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"TB_NODE_NAME":        &c.NodeName,
		"TB_CATALOG":          &c.Catalog,
		"TB_PROBE_DIR":        &c.ProbeDir,
		"TB_PUBLIC_KEY":       &c.PublicKey,
		"TB_BACKUP_ROOT":      &c.BackupRoot,
		"TB_AUDIT_LOG":        &c.AuditLog,
		"TB_KUBECONFIG":       &c.Kubeconfig,
		"TB_RUNTIME_ENDPOINT": &c.RuntimeEndpoint,
		"TB_METRICS_TEXTFILE": &c.MetricsTextfile,
		"TB_REPORT_URL":       &c.ReportURL,
		"TB_REPORT_TOKEN":     &c.ReportToken,
		"TB_LOG_LEVEL":        &c.LogLevel,
		"TB_LOG_FORMAT":       &c.LogFormat,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TB_WORKERS":          &c.Workers,
		"TB_MUTATION_BUDGET":  &c.MutationBudget,
		"TB_BACKUP_RETENTION": &c.BackupRetention,
		"TB_GATE_MAX_RETRIES": &c.Gate.MaxRetries,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"TB_PROBE_TIMEOUT":  &c.ProbeTimeout,
		"TB_GATE_INTERVAL":  &c.Gate.Interval,
		"TB_GATE_SETTLE":    &c.Gate.Settle,
		"TB_VERIFY_WINDOW":  &c.Verify.Window,
		"TB_ROLLBACK_DELAY": &c.RollbackDelay,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("TB_NSENTER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TB_NSENTER: %w", err)
		}
		c.Nsenter = b
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MutationBudget < 0 {
		errs = append(errs, fmt.Errorf("mutation_budget must not be negative"))
	}
	if c.BackupRetention < 1 {
		errs = append(errs, fmt.Errorf("backup_retention must be at least 1, got %d", c.BackupRetention))
	}
	if c.Gate.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("gate.max_retries must be at least 1, got %d", c.Gate.MaxRetries))
	}
	if c.Gate.Interval <= 0 {
		errs = append(errs, fmt.Errorf("gate.interval must be positive"))
	}
	if c.Gate.Settle < 0 || c.RollbackDelay < 0 {
		errs = append(errs, fmt.Errorf("gate.settle and rollback_delay must not be negative"))
	}
	if c.Verify.PollInterval <= 0 || c.Verify.Window < c.Verify.PollInterval {
		errs = append(errs, fmt.Errorf("verify.window must cover at least one verify.poll_interval"))
	}
	if c.Verify.RecheckTries < 1 || c.Confirm.Attempts < 1 {
		errs = append(errs, fmt.Errorf("verify.recheck_attempts and confirm.attempts must be at least 1"))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe_timeout must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.ReportURL != "" && !strings.HasPrefix(c.ReportURL, "https://") && !strings.HasPrefix(c.ReportURL, "http://") {
		errs = append(errs, fmt.Errorf("report_url must be an http(s) URL"))
	}
	return errors.Join(errs...)
}
