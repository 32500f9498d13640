// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config.yaml"

// Keys of the data-source configuration map handed to the extractor.
const (
	KeyKeyspace = "keyspace"
	KeyTable    = "table"
	KeyCQLPort  = "cqlPort"
	KeyRPCPort  = "rpcPort"
	KeyHost     = "host"
)

var ErrInvalidMaster = errors.New("invalid master")

var masterPattern = regexp.MustCompile(`^local(?:\[(\*|[0-9]+)\])?$`)

type Config struct {
	Job string `yaml:"job"`

	Extractor struct {
		Host        string `yaml:"host"`
		CQLPort     int    `yaml:"cqlPort"`
		RPCPort     int    `yaml:"rpcPort"`
		Keyspace    string `yaml:"keyspace"`
		Table       string `yaml:"table"`
		BatchSize   int    `yaml:"batchSize"`
		Compression string `yaml:"compression"`
	} `yaml:"extractor"`

	Store struct {
		DataDir string `yaml:"dataDir"`
	} `yaml:"store"`

	Session struct {
		Master     string   `yaml:"master"`
		Partitions int      `yaml:"partitions"`
		SparkHome  string   `yaml:"sparkHome"`
		Jars       []string `yaml:"jars"`
	} `yaml:"session"`

	RateLimit struct {
		RequestsPerSecond int `yaml:"requestsPerSecond"`
		Burst             int `yaml:"burst"`
	} `yaml:"rateLimit"`

	Grouping struct {
		Column string `yaml:"column"`
	} `yaml:"grouping"`

	Output struct {
		TopCount     int  `yaml:"topCount"`
		PrettyPrint  bool `yaml:"prettyPrint"`
		ShowProgress bool `yaml:"showProgress"`
	} `yaml:"output"`
}

// Load reads and parses the configuration at path.
// A missing file at DefaultPath is not an error: defaults are used instead.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("error decoding config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("error opening config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	SetDefaults(&cfg)
	return &cfg
}

// SetDefaults fills zero values with defaults.
func SetDefaults(cfg *Config) {
	if cfg.Job == "" {
		cfg.Job = "groupcount:groupingByColumn"
	}
	if cfg.Extractor.Host == "" {
		cfg.Extractor.Host = "127.0.0.1"
	}
	if cfg.Extractor.CQLPort == 0 {
		cfg.Extractor.CQLPort = 9042
	}
	if cfg.Extractor.RPCPort == 0 {
		cfg.Extractor.RPCPort = 9160
	}
	if cfg.Extractor.Keyspace == "" {
		cfg.Extractor.Keyspace = "test"
	}
	if cfg.Extractor.Table == "" {
		cfg.Extractor.Table = "tweets"
	}
	if cfg.Extractor.BatchSize == 0 {
		cfg.Extractor.BatchSize = 500
	}
	if cfg.Extractor.Compression == "" {
		cfg.Extractor.Compression = "none"
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Session.Master == "" {
		cfg.Session.Master = "local[*]"
	}
	if cfg.Session.Partitions == 0 {
		cfg.Session.Partitions = 4
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 1000
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 100
	}
	if cfg.Grouping.Column == "" {
		cfg.Grouping.Column = "author"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Extractor.Host == "" {
		return fmt.Errorf("extractor host is required")
	}
	if !validPort(c.Extractor.CQLPort) {
		return fmt.Errorf("cqlPort %d out of range", c.Extractor.CQLPort)
	}
	if !validPort(c.Extractor.RPCPort) {
		return fmt.Errorf("rpcPort %d out of range", c.Extractor.RPCPort)
	}
	if c.Extractor.CQLPort == c.Extractor.RPCPort {
		return fmt.Errorf("cqlPort and rpcPort must differ")
	}
	if c.Extractor.Keyspace == "" {
		return fmt.Errorf("keyspace is required")
	}
	if c.Extractor.Table == "" {
		return fmt.Errorf("table is required")
	}
	if c.Extractor.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive")
	}
	switch c.Extractor.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("unknown compression %q", c.Extractor.Compression)
	}
	if _, err := ParseMaster(c.Session.Master); err != nil {
		return err
	}
	if c.Session.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("requestsPerSecond must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("burst must be positive")
	}
	if c.Grouping.Column == "" {
		return fmt.Errorf("grouping column is required")
	}
	if c.Output.TopCount < 0 {
		return fmt.Errorf("topCount must not be negative")
	}
	return nil
}

// RPCAddr is the address of the framed extractor protocol.
func (c *Config) RPCAddr() string {
	return net.JoinHostPort(c.Extractor.Host, strconv.Itoa(c.Extractor.RPCPort))
}

// AdminAddr is the address of the extractor's HTTP admin endpoint.
func (c *Config) AdminAddr() string {
	return net.JoinHostPort(c.Extractor.Host, strconv.Itoa(c.Extractor.CQLPort))
}

// ExtractorValues returns the data-source configuration as a flat map.
func (c *Config) ExtractorValues() map[string]string {
	return map[string]string{
		KeyKeyspace: c.Extractor.Keyspace,
		KeyTable:    c.Extractor.Table,
		KeyCQLPort:  strconv.Itoa(c.Extractor.CQLPort),
		KeyRPCPort:  strconv.Itoa(c.Extractor.RPCPort),
		KeyHost:     c.Extractor.Host,
	}
}

// ParseMaster turns a master URL into a worker count.
//
//	local     -> 1
//	local[N]  -> N
//	local[*]  -> runtime.NumCPU()
func ParseMaster(master string) (int, error) {
	m := masterPattern.FindStringSubmatch(strings.TrimSpace(master))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMaster, master)
	}
	switch m[1] {
	case "":
		return 1, nil
	case "*":
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMaster, master)
	}
	return n, nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
