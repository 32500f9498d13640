package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoad(t *testing.T) {
	content := `job: "java:groupingByColumn"
extractor:
  host: "127.0.0.1"
  cqlPort: 9042
  rpcPort: 9160
  keyspace: "test"
  table: "tweets"
  batchSize: 50
  compression: "zstd"
store:
  dataDir: "/var/lib/groupcount"
session:
  master: "local[3]"
  partitions: 6
  sparkHome: "/opt/spark"
  jars:
    - "deep-core.jar"
rateLimit:
  requestsPerSecond: 4
  burst: 4
grouping:
  column: "author"
output:
  topCount: 10
  prettyPrint: true`

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Job != "java:groupingByColumn" {
		t.Errorf("Expected Job = java:groupingByColumn, got %s", cfg.Job)
	}
	if cfg.Extractor.BatchSize != 50 {
		t.Errorf("Expected BatchSize = 50, got %d", cfg.Extractor.BatchSize)
	}
	if cfg.Extractor.Compression != "zstd" {
		t.Errorf("Expected Compression = zstd, got %s", cfg.Extractor.Compression)
	}
	if cfg.Session.Partitions != 6 {
		t.Errorf("Expected Partitions = 6, got %d", cfg.Session.Partitions)
	}
	if len(cfg.Session.Jars) != 1 {
		t.Errorf("Expected 1 jar, got %d", len(cfg.Session.Jars))
	}
	if cfg.RateLimit.RequestsPerSecond != 4 {
		t.Errorf("Expected RequestsPerSecond = 4, got %d", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.Output.TopCount != 10 {
		t.Errorf("Expected TopCount = 10, got %d", cfg.Output.TopCount)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("job: only-a-name\n"), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Extractor.Host != "127.0.0.1" {
		t.Errorf("Expected default host, got %s", cfg.Extractor.Host)
	}
	if cfg.Extractor.CQLPort != 9042 || cfg.Extractor.RPCPort != 9160 {
		t.Errorf("Expected default ports 9042/9160, got %d/%d", cfg.Extractor.CQLPort, cfg.Extractor.RPCPort)
	}
	if cfg.Extractor.Keyspace != "test" || cfg.Extractor.Table != "tweets" {
		t.Errorf("Expected test.tweets, got %s.%s", cfg.Extractor.Keyspace, cfg.Extractor.Table)
	}
	if cfg.Grouping.Column != "author" {
		t.Errorf("Expected default column author, got %s", cfg.Grouping.Column)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("extractor: [1, 2"), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Expected decode error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing host", mutate: func(c *Config) { c.Extractor.Host = "" }, wantErr: true},
		{name: "port out of range", mutate: func(c *Config) { c.Extractor.CQLPort = 70000 }, wantErr: true},
		{name: "same ports", mutate: func(c *Config) { c.Extractor.RPCPort = c.Extractor.CQLPort }, wantErr: true},
		{name: "missing keyspace", mutate: func(c *Config) { c.Extractor.Keyspace = "" }, wantErr: true},
		{name: "missing table", mutate: func(c *Config) { c.Extractor.Table = "" }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.Extractor.BatchSize = 0 }, wantErr: true},
		{name: "unknown compression", mutate: func(c *Config) { c.Extractor.Compression = "lz4" }, wantErr: true},
		{name: "invalid master", mutate: func(c *Config) { c.Session.Master = "spark://host:7077" }, wantErr: true},
		{name: "negative partitions", mutate: func(c *Config) { c.Session.Partitions = -1 }, wantErr: true},
		{name: "invalid rate limit", mutate: func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }, wantErr: true},
		{name: "negative burst", mutate: func(c *Config) { c.RateLimit.Burst = -1 }, wantErr: true},
		{name: "zero burst", mutate: func(c *Config) { c.RateLimit.Burst = 0 }, wantErr: true},
		{name: "missing column", mutate: func(c *Config) { c.Grouping.Column = "" }, wantErr: true},
		{name: "negative top count", mutate: func(c *Config) { c.Output.TopCount = -5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseMaster(t *testing.T) {
	tests := []struct {
		master  string
		want    int
		wantErr bool
	}{
		{"local", 1, false},
		{"local[4]", 4, false},
		{"local[*]", runtime.NumCPU(), false},
		{" local[2] ", 2, false},
		{"local[0]", 0, true},
		{"local[]", 0, true},
		{"yarn", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.master, func(t *testing.T) {
			got, err := ParseMaster(tt.master)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMaster(%q) error = %v, wantErr %v", tt.master, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMaster) {
				t.Errorf("Expected ErrInvalidMaster, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseMaster(%q) = %d, want %d", tt.master, got, tt.want)
			}
		})
	}
}

func TestConfig_ExtractorValues(t *testing.T) {
	cfg := Default()
	values := cfg.ExtractorValues()

	want := map[string]string{
		KeyKeyspace: "test",
		KeyTable:    "tweets",
		KeyCQLPort:  "9042",
		KeyRPCPort:  "9160",
		KeyHost:     "127.0.0.1",
	}
	for k, v := range want {
		if values[k] != v {
			t.Errorf("ExtractorValues()[%s] = %q, want %q", k, values[k], v)
		}
	}
	if cfg.RPCAddr() != "127.0.0.1:9160" {
		t.Errorf("RPCAddr() = %s", cfg.RPCAddr())
	}
	if cfg.AdminAddr() != "127.0.0.1:9042" {
		t.Errorf("AdminAddr() = %s", cfg.AdminAddr())
	}
}
