package checker

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// LockOrder selects how owned-lock lists are compared.
type LockOrder string

const (
	// Element order must match. Hosts that answer both handle variants from
	// the same stopped snapshot return the same order.
	Positional LockOrder = "positional"
	// Lists are compared as sets, for hosts that do not promise a stable
	// order for owned locks.
	Unordered LockOrder = "unordered"
)

const (
	DefaultProbeDepth = 1
	DefaultMaxFrames  = 30
)

type Config struct {
	/* Host params */
	// Debug server endpoint to attach to
	Server_endpoint string `yaml:"server_endpoint"`

	/* Battery params */
	// Frame depth for the single-frame location query (default 1)
	Probe_depth int `yaml:"probe_depth"`
	// Frame limit for the stack trace query (default 30)
	Max_frames int `yaml:"max_frames"`
	// How to compare owned-lock lists (default positional)
	Lock_order LockOrder `yaml:"lock_order"`
	// Whether to log thread mount events while attached
	Mount_events bool `yaml:"mount_events"`

	/* Output params */
	// Filename for finding log
	Finding_log_filename string `yaml:"finding_log_filename"`
	// Filename for stack divergence graph
	Stack_graph_filename string `yaml:"stack_graph_filename"`
	// Options are "debug", "info", "warn", "error" corresponding to these SLOG levels https://pkg.go.dev/log/slog#Level
	LoggerLevel string `yaml:"logger_level"`
}

func LoadConfig(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return &Config{}, fmt.Errorf("opening config file: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	if c.Lock_order != "" && c.Lock_order != Positional && c.Lock_order != Unordered {
		return &Config{}, fmt.Errorf("unknown LockOrder: %v", c.Lock_order)
	}
	return &c, nil
}

func SaveConfig(file string, conf Config) error {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}

	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LoggerLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	//default log level
	return slog.LevelInfo
}
