// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config provides the client configuration. Unlike a daemon, a client
// library cannot own a global configuration, hence Load returns a value which
// is passed explicitly to rbd.Connect.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for
	// all parameters will be used instead.
	DefaultPath = "/etc/rbd/client.toml"

	// Smallest and largest allowed object order. Object size is 1<<order
	// bytes, i.e. 4KiB up to 32MiB.
	MinOrder = 12
	MaxOrder = 25
)

// Supported transport backends.
const (
	BackendS3     = "s3"
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendMem    = "mem"
)

// Configuration structure for the client. We use toml (or yaml, chosen by the
// file extension) for file-based configuration and all options can be
// overriden by environment variables specified in this structure.
type Config struct {
	Cluster struct {
		Backend         string        `toml:"backend" yaml:"backend" env:"RBD_CLUSTER_BACKEND" env-default:"s3" env-description:"Transport backend: s3, redis, badger or mem."`
		Addresses       []string      `toml:"addresses" yaml:"addresses" env:"RBD_CLUSTER_ADDRESSES" env-separator:"," env-default:"http://localhost:9000" env-description:"Comma separated cluster addresses tried in order."`
		Timeout         time.Duration `toml:"timeout" yaml:"timeout" env:"RBD_CLUSTER_TIMEOUT" env-default:"30s" env-description:"Timeout of a single client operation. Zero disables it."`
		ConnectRetries  int           `toml:"connect_retries" yaml:"connect_retries" env:"RBD_CLUSTER_RETRIES" env-default:"5" env-description:"How many times a transient connection failure is retried per address."`
		RetryBackoff    time.Duration `toml:"retry_backoff" yaml:"retry_backoff" env:"RBD_CLUSTER_BACKOFF" env-default:"100ms" env-description:"Initial backoff between connection attempts."`
		RetryBackoffMax time.Duration `toml:"retry_backoff_max" yaml:"retry_backoff_max" env:"RBD_CLUSTER_BACKOFF_MAX" env-default:"5s" env-description:"Upper bound of the backoff between connection attempts."`
		Bootstrap       bool          `toml:"bootstrap" yaml:"bootstrap" env:"RBD_CLUSTER_BOOTSTRAP" env-default:"true" env-description:"Create the cluster map when the cluster has none."`
	} `toml:"cluster" yaml:"cluster"`

	Auth struct {
		User string `toml:"user" yaml:"user" env:"RBD_AUTH_USER" env-default:"" env-description:"User name or access key."`
		Key  string `toml:"key" yaml:"key" env:"RBD_AUTH_KEY" env-default:"" env-description:"Secret key or password."`
	} `toml:"auth" yaml:"auth"`

	S3 struct {
		Bucket string `toml:"bucket" yaml:"bucket" env:"RBD_S3_BUCKET" env-default:"rbd" env-description:"S3 Bucket name."`
		Region string `toml:"region" yaml:"region" env:"RBD_S3_REGION" env-default:"us-east-1" env-description:"S3 Region."`
		Prefix string `toml:"prefix" yaml:"prefix" env:"RBD_S3_PREFIX" env-default:"" env-description:"Prefix of all object keys. Allows multiple clusters in one bucket."`
	} `toml:"s3" yaml:"s3"`

	Redis struct {
		DB int `toml:"db" yaml:"db" env:"RBD_REDIS_DB" env-default:"0" env-description:"Redis database number."`
	} `toml:"redis" yaml:"redis"`

	Badger struct {
		InMemory bool `toml:"in_memory" yaml:"in_memory" env:"RBD_BADGER_INMEMORY" env-default:"false" env-description:"Keep the badger store in memory. Address is ignored."`
	} `toml:"badger" yaml:"badger"`

	Image struct {
		Order       int   `toml:"order" yaml:"order" env:"RBD_IMAGE_ORDER" env-default:"22" env-description:"Default object order of new images. Object size is 1<<order."`
		StripeUnit  int64 `toml:"stripe_unit" yaml:"stripe_unit" env:"RBD_IMAGE_STRIPE_UNIT" env-default:"0" env-description:"Default stripe unit in bytes. Zero means object size."`
		StripeCount int   `toml:"stripe_count" yaml:"stripe_count" env:"RBD_IMAGE_STRIPE_COUNT" env-default:"1" env-description:"Default number of objects a stripe spans."`
	} `toml:"image" yaml:"image"`

	IO struct {
		Readers int `toml:"readers" yaml:"readers" env:"RBD_IO_READERS" env-default:"16" env-description:"Max number of concurrent object reads."`
		Writers int `toml:"writers" yaml:"writers" env:"RBD_IO_WRITERS" env-default:"16" env-description:"Max number of concurrent object writes."`
		Retries int `toml:"retries" yaml:"retries" env:"RBD_IO_RETRIES" env-default:"3" env-description:"Retries of an object operation failing with a transient error."`
	} `toml:"io" yaml:"io"`

	Tracker struct {
		HistorySize     int           `toml:"history_size" yaml:"history_size" env:"RBD_TRACKER_HISTORY_SIZE" env-default:"20" env-description:"Number of finished operations kept for dumps."`
		HistoryDuration time.Duration `toml:"history_duration" yaml:"history_duration" env:"RBD_TRACKER_HISTORY_DURATION" env-default:"600s" env-description:"Age after which finished operations are dropped."`
		ComplaintTime   time.Duration `toml:"complaint_time" yaml:"complaint_time" env:"RBD_TRACKER_COMPLAINT_TIME" env-default:"30s" env-description:"Operations in flight longer than this are reported as slow."`
		LogThreshold    int           `toml:"log_threshold" yaml:"log_threshold" env:"RBD_TRACKER_LOG_THRESHOLD" env-default:"5" env-description:"Max number of slow operations reported at once."`
		CheckInterval   time.Duration `toml:"check_interval" yaml:"check_interval" env:"RBD_TRACKER_CHECK_INTERVAL" env-default:"5s" env-description:"Period of the slow operation check. Zero disables it."`
	} `toml:"tracker" yaml:"tracker"`

	Log struct {
		Level  int  `toml:"level" yaml:"level" env:"RBD_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" yaml:"pretty" env:"RBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"false"`
	} `toml:"log" yaml:"log"`
}

// Load reads the configuration file at path and the environment variables.
// The file has the lower priority and the environment variables have the
// highest priority. When the file cannot be read, only the environment and
// defaults are used.
func Load(path string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults overriden by the
// environment.
func Default() (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values which cannot be expressed by the tags.
func (c *Config) Validate() error {
	switch c.Cluster.Backend {
	case BackendS3, BackendRedis, BackendBadger, BackendMem:
	default:
		return fmt.Errorf("unknown backend %q", c.Cluster.Backend)
	}

	if len(c.Cluster.Addresses) == 0 && !(c.Cluster.Backend == BackendBadger && c.Badger.InMemory) {
		return errors.New("no cluster address configured")
	}

	if c.Image.Order < MinOrder || c.Image.Order > MaxOrder {
		return fmt.Errorf("image order %d out of range [%d, %d]", c.Image.Order, MinOrder, MaxOrder)
	}

	if c.Image.StripeCount < 1 {
		return fmt.Errorf("stripe count %d must be positive", c.Image.StripeCount)
	}

	if c.IO.Readers < 1 || c.IO.Writers < 1 {
		return errors.New("at least one reader and one writer are required")
	}

	return nil
}

// FlagSet returns flags for programs embedding the client. The only flag is
// the path to the configuration file, the usage lists all environment
// variables.
func FlagSet(name string, path *string, output io.Writer) *flag.FlagSet {
	var cfg Config

	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.SetOutput(output)
	f.StringVar(path, "c", DefaultPath, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &cfg, nil, f.Usage)

	return f
}
