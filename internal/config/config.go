// Package config holds the pipeline configuration: database settings taken
// from the environment, optionally overridden by an HCL file that is
// evaluated against that same environment (env.DBHOSTNAME and friends are
// addressable in expressions).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/aisflow/internal/scheduler"
	"github.com/vk/aisflow/internal/task"
)

// Database is the connection configuration of the target store.
type Database struct {
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Name     string `hcl:"name,optional"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
}

// DSN renders the pgx key/value connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// RetryBlock is one per-stage retry override in the config file.
type RetryBlock struct {
	Stage           string `hcl:"stage,label"`
	MaxAttempts     int    `hcl:"max_attempts,optional"`
	InitialInterval string `hcl:"initial_interval,optional"`
	MaxInterval     string `hcl:"max_interval,optional"`
}

// Config is the full pipeline configuration.
type Config struct {
	Workers   int          `hcl:"workers,optional"`
	DedupKeep string       `hcl:"dedup_keep,optional"`
	Database  *Database    `hcl:"database,block"`
	Retries   []RetryBlock `hcl:"retry,block"`
}

// Default returns the configuration used when no file is given: database
// settings from the historical environment variable names, with local
// development fallbacks.
func Default() *Config {
	return &Config{
		Workers: 4,
		Database: &Database{
			Host:     getEnv("DBHOSTNAME", "localhost"),
			Port:     5432,
			Name:     getEnv("DBNAME", "test_aisdb"),
			User:     getEnv("DBUSER", "postgres"),
			Password: getEnv("DBUSERPASS", ""),
		},
	}
}

// Load parses an HCL config file and fills unset values from Default.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %w", path, diags)
	}

	cfg := &Config{}
	if diags := gohcl.DecodeBody(file.Body, evalContext(), cfg); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %w", path, diags)
	}

	def := Default()
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Database == nil {
		cfg.Database = def.Database
	} else {
		fillDatabase(cfg.Database, def.Database)
	}
	return cfg, nil
}

// RetryPolicies converts the retry blocks into scheduler policies, keeping
// the defaults for fields a block leaves unset.
func (c *Config) RetryPolicies() (map[task.Stage]scheduler.RetryPolicy, error) {
	if len(c.Retries) == 0 {
		return nil, nil
	}
	out := make(map[task.Stage]scheduler.RetryPolicy, len(c.Retries))
	for _, block := range c.Retries {
		stage, err := task.ParseStage(block.Stage)
		if err != nil {
			return nil, fmt.Errorf("retry block: %w", err)
		}
		pol := scheduler.DefaultRetryPolicy
		if block.MaxAttempts > 0 {
			pol.MaxAttempts = block.MaxAttempts
		}
		if block.InitialInterval != "" {
			d, err := time.ParseDuration(block.InitialInterval)
			if err != nil {
				return nil, fmt.Errorf("retry %q initial_interval: %w", block.Stage, err)
			}
			pol.InitialInterval = d
		}
		if block.MaxInterval != "" {
			d, err := time.ParseDuration(block.MaxInterval)
			if err != nil {
				return nil, fmt.Errorf("retry %q max_interval: %w", block.Stage, err)
			}
			pol.MaxInterval = d
		}
		out[stage] = pol
	}
	return out, nil
}

// evalContext exposes the process environment to HCL expressions as the
// object variable `env`.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		vars[key] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func fillDatabase(db, def *Database) {
	if db.Host == "" {
		db.Host = def.Host
	}
	if db.Port == 0 {
		db.Port = def.Port
	}
	if db.Name == "" {
		db.Name = def.Name
	}
	if db.User == "" {
		db.User = def.User
	}
	if db.Password == "" {
		db.Password = def.Password
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
