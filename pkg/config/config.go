package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hossein/mpflow/pkg/mpflow"
	"github.com/hossein/mpflow/pkg/mpflow/scheduler"
	"github.com/hossein/mpflow/pkg/mptcp"
)

// Config is the configuration shared by the client and the server.
type Config struct {
	Listen     string   `yaml:"listen"`
	Server     string   `yaml:"server"`
	Socks      string   `yaml:"socks"`
	Interfaces []string `yaml:"interfaces"`
	Subflows   int      `yaml:"subflows"`
	Scheduler  string   `yaml:"scheduler"`
	ECN        bool     `yaml:"ecn"`
	RecvWindow uint32   `yaml:"recv_window"`
	// CEThreshold marks arriving data as congestion experienced while
	// this many bytes wait unread. 0 disables it.
	CEThreshold int64 `yaml:"ce_threshold"`

	Congestion Congestion `yaml:"congestion"`
	Log        Log        `yaml:"log"`
}

// Congestion mirrors mptcp.CongestionConfig.
type Congestion struct {
	InitialCwnd    float64 `yaml:"initial_cwnd"`
	SSThresh       float64 `yaml:"ssthresh"`
	MaxSSThresh    int     `yaml:"max_ssthresh"`
	MaxCwnd        int     `yaml:"max_cwnd"`
	IncreaseNum    float64 `yaml:"increase_num"`
	AllowSlowStart bool    `yaml:"allow_slow_start"`
	SegmentSize    int     `yaml:"segment_size"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	def := mpflow.DefaultConfig()
	cc := def.Congestion
	return &Config{
		Listen:     ":9000",
		Socks:      "127.0.0.1:1080",
		Subflows:   2,
		Scheduler:  "roundrobin",
		RecvWindow: def.RecvWindow,
		Congestion: Congestion{
			InitialCwnd:    cc.InitialCwnd,
			SSThresh:       cc.SSThresh,
			MaxSSThresh:    cc.MaxSSThresh,
			MaxCwnd:        cc.MaxCwnd,
			IncreaseNum:    cc.IncreaseNum,
			AllowSlowStart: cc.AllowSlowStart,
			SegmentSize:    cc.SegmentSize,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path (if not empty) over the defaults, applies MPFLOW_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MPFLOW_LISTEN", &c.Listen)
	str("MPFLOW_SERVER", &c.Server)
	str("MPFLOW_SOCKS", &c.Socks)
	str("MPFLOW_SCHEDULER", &c.Scheduler)
	str("MPFLOW_LOG_LEVEL", &c.Log.Level)
	str("MPFLOW_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("MPFLOW_INTERFACES"); ok && v != "" {
		c.Interfaces = splitList(v)
	}

	if v, ok := lookup("MPFLOW_SUBFLOWS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MPFLOW_SUBFLOWS: %w", err)
		}
		c.Subflows = n
	}
	if v, ok := lookup("MPFLOW_ECN"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MPFLOW_ECN: %w", err)
		}
		c.ECN = b
	}
	if v, ok := lookup("MPFLOW_MAX_CWND"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MPFLOW_MAX_CWND: %w", err)
		}
		c.Congestion.MaxCwnd = n
	}
	if v, ok := lookup("MPFLOW_SEGMENT_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MPFLOW_SEGMENT_SIZE: %w", err)
		}
		c.Congestion.SegmentSize = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks value ranges. Addresses are checked by the commands that
// need them.
func (c *Config) Validate() error {
	if c.Subflows < 1 || c.Subflows > 255 {
		return fmt.Errorf("config: subflows must be 1-255, got %d", c.Subflows)
	}
	if len(c.Interfaces) > 255 {
		return fmt.Errorf("config: at most 255 interfaces, got %d", len(c.Interfaces))
	}
	if _, err := scheduler.New(c.Scheduler); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cc := c.Congestion
	if cc.InitialCwnd <= 0 {
		return fmt.Errorf("config: congestion.initial_cwnd must be positive")
	}
	if cc.SegmentSize < 64 || cc.SegmentSize > 1<<20 {
		return fmt.Errorf("config: congestion.segment_size %d out of range", cc.SegmentSize)
	}
	if c.CEThreshold < 0 {
		return fmt.Errorf("config: ce_threshold must not be negative")
	}
	if cc.MaxCwnd < 0 || cc.MaxSSThresh < 0 {
		return fmt.Errorf("config: congestion limits must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// NumSubflows is the number of interfaces when any are configured, and
// Subflows otherwise.
func (c *Config) NumSubflows() int {
	if len(c.Interfaces) > 0 {
		return len(c.Interfaces)
	}
	return c.Subflows
}

// Transport builds the mpflow configuration. Each call returns a fresh
// scheduler.
func (c *Config) Transport() (mpflow.Config, error) {
	sched, err := scheduler.New(c.Scheduler)
	if err != nil {
		return mpflow.Config{}, fmt.Errorf("config: %w", err)
	}
	return mpflow.Config{
		Scheduler: sched,
		Congestion: mptcp.CongestionConfig{
			InitialCwnd:    c.Congestion.InitialCwnd,
			SSThresh:       c.Congestion.SSThresh,
			MaxSSThresh:    c.Congestion.MaxSSThresh,
			MaxCwnd:        c.Congestion.MaxCwnd,
			IncreaseNum:    c.Congestion.IncreaseNum,
			AllowSlowStart: c.Congestion.AllowSlowStart,
			SegmentSize:    c.Congestion.SegmentSize,
		},
		ECN:         c.ECN,
		RecvWindow:  c.RecvWindow,
		CEThreshold: c.CEThreshold,
	}, nil
}
