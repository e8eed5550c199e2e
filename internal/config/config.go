// Package config loads qrewrite configuration from YAML or CUE files.
//
// Every file is unified with the embedded #Config schema, which supplies
// defaults and rejects unknown fields, wrong types and incomplete backends
// (a postgres store without a URL, a redis registry without an address).
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/roach88/qrewrite/internal/rules"
)

//go:embed schema.cue
var schemaCUE string

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Registry backends.
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// Config is the validated configuration.
type Config struct {
	Database           string         `json:"database" yaml:"database"`
	Scope              string         `json:"scope" yaml:"scope"`
	MaxRules           int            `json:"max_rules" yaml:"max_rules"`
	MaxStatementLength int            `json:"max_statement_length" yaml:"max_statement_length"`
	Strict             bool           `json:"strict" yaml:"strict"`
	AutoReload         bool           `json:"auto_reload" yaml:"auto_reload"`
	MetricsAddr        string         `json:"metrics_addr" yaml:"metrics_addr"`
	Store              StoreConfig    `json:"store" yaml:"store"`
	Registry           RegistryConfig `json:"registry" yaml:"registry"`
	Rules              []SeedRule     `json:"rules" yaml:"rules"`
}

// StoreConfig selects the rule store backend.
type StoreConfig struct {
	Backend     string `json:"backend" yaml:"backend"`
	PostgresURL string `json:"postgres_url,omitempty" yaml:"postgres_url,omitempty"`
}

// RegistryConfig selects the worker registry backend.
type RegistryConfig struct {
	Backend      string `json:"backend" yaml:"backend"`
	Capacity     int    `json:"capacity" yaml:"capacity"`
	HeartbeatTTL string `json:"heartbeat_ttl" yaml:"heartbeat_ttl"`
	RedisAddr    string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPrefix  string `json:"redis_prefix" yaml:"redis_prefix"`
}

// SeedRule is a rule declared in configuration.
type SeedRule struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Scope  string `json:"scope" yaml:"scope"`
}

// Limits returns the rule store limits.
func (c Config) Limits() rules.Limits {
	return rules.Limits{MaxRules: c.MaxRules, MaxStatementLength: c.MaxStatementLength}
}

// TTL returns the parsed heartbeat TTL. The schema guarantees the format.
func (c RegistryConfig) TTL() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatTTL)
	if err != nil {
		return 0
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := decode(cuecontext.New(), nil)
	if err != nil {
		// The embedded schema is fixed at build time.
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return cfg
}

// Load reads path. The format follows the extension: .yaml/.yml or .cue.
// An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes data, using filename to pick the format and label errors.
func Parse(filename string, data []byte) (Config, error) {
	ctx := cuecontext.New()

	var v cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		file, err := cueyaml.Extract(filename, data)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", filename, err)
		}
		v = ctx.BuildFile(file)
	case ".cue":
		v = ctx.CompileBytes(data, cue.Filename(filename))
	default:
		return Config{}, fmt.Errorf("config %s: unsupported format (want .yaml, .yml or .cue)", filename)
	}
	if err := v.Err(); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %s", filename, cueerrors.Details(err, nil))
	}

	cfg, err := decode(ctx, &v)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

func decode(ctx *cue.Context, v *cue.Value) (Config, error) {
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, err
	}
	unified := schema.LookupPath(cue.ParsePath("#Config"))
	if v != nil {
		unified = unified.Unify(*v)
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, errors.New(cueerrors.Details(err, nil))
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Rules == nil {
		cfg.Rules = []SeedRule{}
	}
	return cfg, nil
}
