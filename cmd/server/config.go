package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options.
type Config struct {
	// Server config
	Port      string   `long:"port" env:"PORT" default:"8000" description:"Server port"`
	RPID      string   `long:"rp-id" env:"RP_ID" default:"localhost" description:"Relying party ID"`
	RPName    string   `long:"rp-name" env:"RP_NAME" default:"Yak Shears" description:"Relying party display name"`
	RPOrigins []string `long:"rp-origin" env:"RP_ORIGIN" env-delim:"," default:"http://localhost:8000" description:"Relying party origins"`

	// Route policy file (YAML); defaults apply when unset
	PolicyFile string `long:"policy-file" env:"POLICY_FILE" description:"YAML file listing public paths and prefixes"`

	// Storage config
	StorageMode string        `long:"storage-mode" env:"STORAGE_MODE" default:"filesystem" choice:"filesystem" choice:"s3" description:"Directory snapshot backend"`
	SessionMode string        `long:"session-mode" env:"SESSION_MODE" default:"memory" choice:"memory" choice:"redis" description:"Session store backend"`
	SessionTTL  time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"168h" description:"Session lifetime"`

	// Filesystem storage
	SnapshotPath string `long:"snapshot-path" env:"SNAPSHOT_PATH" default:"./data/directory.json" description:"Directory snapshot file"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"passgate" description:"S3 bucket name"`
		Key       string `long:"s3-key" env:"S3_KEY" default:"directory.json" description:"S3 object key for the snapshot"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`
}

// Policy is the public-route policy loaded from the policy file. Paths match
// exactly; prefixes cover whole subtrees.
type Policy struct {
	PublicPaths    []string `yaml:"public_paths"`
	PublicPrefixes []string `yaml:"public_prefixes"`
}

// DefaultPolicy keeps the landing page, health check, and the ceremony
// endpoints reachable without a session.
func DefaultPolicy() Policy {
	return Policy{
		PublicPaths:    []string{"/", "/health"},
		PublicPrefixes: []string{"/auth/"},
	}
}

// LoadConfig parses configuration from environment variables and command line flags.
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// LoadPolicy reads the route policy from the configured YAML file, falling
// back to the defaults when no file is set.
func (c *Config) LoadPolicy() (Policy, error) {
	if c.PolicyFile == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return policy, nil
}
