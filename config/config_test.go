// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendS3, cfg.Cluster.Backend)
	assert.Equal(t, []string{"http://localhost:9000"}, cfg.Cluster.Addresses)
	assert.Equal(t, 30*time.Second, cfg.Cluster.Timeout)
	assert.Equal(t, 22, cfg.Image.Order)
	assert.Equal(t, 1, cfg.Image.StripeCount)
	assert.Equal(t, 16, cfg.IO.Writers)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	content := `
cluster:
  backend: redis
  addresses: ["10.0.0.1:6379", "10.0.0.2:6379"]
  timeout: 5s
image:
  order: 16
s3:
  prefix: tenant-a/
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Cluster.Backend)
	assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, cfg.Cluster.Addresses)
	assert.Equal(t, 5*time.Second, cfg.Cluster.Timeout)
	assert.Equal(t, 16, cfg.Image.Order)
	assert.Equal(t, "tenant-a/", cfg.S3.Prefix)
	assert.Equal(t, 5, cfg.Cluster.ConnectRetries, "unset values keep defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RBD_CLUSTER_BACKEND", "mem")
	t.Setenv("RBD_CLUSTER_ADDRESSES", "a,b")
	t.Setenv("RBD_IO_READERS", "3")
	t.Setenv("RBD_S3_PREFIX", "pool1/")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, BackendMem, cfg.Cluster.Backend)
	assert.Equal(t, []string{"a", "b"}, cfg.Cluster.Addresses)
	assert.Equal(t, 3, cfg.IO.Readers)
	assert.Equal(t, "pool1/", cfg.S3.Prefix)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"unknown backend", func(c *Config) { c.Cluster.Backend = "nfs" }, false},
		{"no address", func(c *Config) { c.Cluster.Addresses = nil }, false},
		{"in-memory badger without address", func(c *Config) {
			c.Cluster.Backend = BackendBadger
			c.Cluster.Addresses = nil
			c.Badger.InMemory = true
		}, true},
		{"small order", func(c *Config) { c.Image.Order = MinOrder - 1 }, false},
		{"large order", func(c *Config) { c.Image.Order = MaxOrder + 1 }, false},
		{"no stripes", func(c *Config) { c.Image.StripeCount = 0 }, false},
		{"no writers", func(c *Config) { c.IO.Writers = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)

			tt.modify(cfg)
			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestFlagSetUsage(t *testing.T) {
	var path string
	var out bytes.Buffer

	f := FlagSet("rbd", &path, &out)
	require.NoError(t, f.Parse([]string{"-c", "/tmp/x.toml"}))
	assert.Equal(t, "/tmp/x.toml", path)

	f.Usage()
	assert.Contains(t, out.String(), "RBD_CLUSTER_BACKEND")
}
