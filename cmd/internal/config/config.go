//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/distribution"

	"gopkg.in/yaml.v2"
)

// envstr is a string in the YAML config file that expands environment variables
// when parsed.
type envstr string

func (es *envstr) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*es = envstr(os.ExpandEnv(s))
	return nil
}

func (es envstr) String() string { return string(es) }

// Config specifies the file format of config files.
type Config struct {
	ServerAddr string `yaml:"server-addr"`
	// BaseURL is the public address that respondent links point to.
	BaseURL string `yaml:"base-url"`

	LogOutputFile string `yaml:"log-output"`
	MetricsAddr   string `yaml:"metrics-addr"`
	DatadogAddr   string `yaml:"datadog-addr"`
	HealthAddr    string `yaml:"health-addr"`

	// A map of admin username to password, used for basic auth on the admin
	// endpoints.
	AdminAccounts map[string]envstr `yaml:"admin"`

	SigningKey envstr `yaml:"signing-key"` // 32 byte hex-encoded seed for the batch signing key.
	signingKey ed25519.PrivateKey

	DatabaseConfig     *DatabaseConfig     `yaml:"db"`
	CacheConfig        *CacheConfig        `yaml:"cache"`
	DistributionConfig *DistributionConfig `yaml:"distribution"`
}

type CacheConfig struct {
	BatchSize  int `yaml:"batch-size"`
	SurveySize int `yaml:"survey-size"`
}

type DatabaseConfig struct {
	// LevelDB
	File string `yaml:"file"`

	// DynamoDB
	Table    envstr `yaml:"table"`
	Parallel int    `yaml:"parallel"`

	// PostgreSQL
	DSN envstr `yaml:"dsn"`
}

func (config *DatabaseConfig) Validate() error {
	if config == nil {
		return fmt.Errorf("field not provided: db")
	}

	level := config.File != ""
	dynamo := config.Table != ""
	postgres := config.DSN != ""
	if dynamo && config.Parallel <= 0 {
		return fmt.Errorf("db.parallel must be a positive number of read workers")
	}

	n := 0
	for _, set := range []bool{level, dynamo, postgres} {
		if set {
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("no database connection information provided")
	} else if n > 1 {
		return fmt.Errorf("exactly one of leveldb, dynamodb or postgres connections must be provided")
	}
	return nil
}

func (config *DatabaseConfig) Connect() (db.Store, error) {
	if config.File != "" {
		return db.NewLDBStore(config.File)
	} else if config.DSN != "" {
		return db.NewPostgresStore(config.DSN.String())
	}
	return db.NewDynamoDBStore(config.Table.String(), config.Parallel)
}

// DistributionConfig specifies where the links of issued batches are
// delivered. Both destinations are optional.
type DistributionConfig struct {
	Dir  string      `yaml:"dir"`
	SMTP *SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Addr     string   `yaml:"addr"`
	Username envstr   `yaml:"username"`
	Password envstr   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Sink returns the configured link destinations, or nil if there are none.
func (config *DistributionConfig) Sink() distribution.Sink {
	if config == nil {
		return nil
	}
	var sinks distribution.MultiSink
	if config.Dir != "" {
		sinks = append(sinks, &distribution.FileSink{Dir: config.Dir})
	}
	if config.SMTP != nil {
		sinks = append(sinks, &distribution.SMTPSink{
			Addr:     config.SMTP.Addr,
			Username: config.SMTP.Username.String(),
			Password: config.SMTP.Password.String(),
			From:     config.SMTP.From,
			To:       config.SMTP.To,
		})
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	}
	return sinks
}

// SigningPrivateKey returns the parsed batch signing key.
func (c *Config) SigningPrivateKey() ed25519.PrivateKey { return c.signingKey }

// Accounts returns the admin credentials with environment variables expanded.
func (c *Config) Accounts() map[string]string {
	out := make(map[string]string, len(c.AdminAccounts))
	for user, password := range c.AdminAccounts {
		out[user] = password.String()
	}
	return out
}

func Read(filename string) (*Config, error) {
	// Read from file and parse.
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var parsed Config
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	// Check that all required fields are populated.
	if parsed.ServerAddr == "" {
		return nil, fmt.Errorf("field not provided: server-addr")
	} else if parsed.MetricsAddr == "" {
		return nil, fmt.Errorf("field not provided: metrics-addr")
	} else if parsed.HealthAddr == "" {
		return nil, fmt.Errorf("field not provided: health-addr")
	} else if parsed.BaseURL == "" {
		return nil, fmt.Errorf("field not provided: base-url")
	} else if len(parsed.AdminAccounts) == 0 {
		return nil, fmt.Errorf("field not provided: admin")
	} else if parsed.SigningKey == "" {
		return nil, fmt.Errorf("field not provided: signing-key")
	} else if err := parsed.DatabaseConfig.Validate(); err != nil {
		return nil, err
	}

	if u, err := url.Parse(parsed.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base-url must be an absolute URL: %q", parsed.BaseURL)
	}
	for user, password := range parsed.AdminAccounts {
		if password == "" {
			return nil, fmt.Errorf("admin account %s has no password", user)
		}
	}

	if dc := parsed.DistributionConfig; dc != nil && dc.SMTP != nil {
		if dc.SMTP.Addr == "" {
			return nil, fmt.Errorf("field not provided: distribution.smtp.addr")
		} else if dc.SMTP.From == "" {
			return nil, fmt.Errorf("field not provided: distribution.smtp.from")
		} else if len(dc.SMTP.To) == 0 {
			return nil, fmt.Errorf("field not provided: distribution.smtp.to")
		}
	}

	// Parse cryptographic keys.
	seed, err := hex.DecodeString(parsed.SigningKey.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %v", err)
	} else if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key is wrong size: wanted=%v, got=%v", ed25519.SeedSize, len(seed))
	}
	parsed.signingKey = ed25519.NewKeyFromSeed(seed)

	// If unspecified, use default cache sizes
	if parsed.CacheConfig == nil {
		parsed.CacheConfig = &CacheConfig{}
	}
	if parsed.CacheConfig.BatchSize == 0 {
		parsed.CacheConfig.BatchSize = 2000
	}
	if parsed.CacheConfig.SurveySize == 0 {
		parsed.CacheConfig.SurveySize = 200
	}

	return &parsed, nil
}
