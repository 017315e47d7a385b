// Package config handles loading server configuration from flags, the
// environment and, optionally, SSM Parameter Store.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix is prepended to upper-cased keys to form environment variable names.
const EnvPrefix = "TINYWEB_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds all server configuration.
type Config struct {
	// Network
	Port       int
	ListenAddr string
	AdminAddr  string
	AdminKey   string // If empty, admin auth is disabled

	// Content and data
	DocRoot string
	DataDir string

	// Logging
	LogDir        string
	LogName       string
	LogLevel      string
	LogAsync      bool
	LogQueueSize  int
	LogSplitLines int
	CloseLog      bool

	// Connection handling
	Linger     bool
	TrigMode   int // 0: LT+LT, 1: LT+ET, 2: ET+LT, 3: ET+ET (listen+conn)
	ActorModel int // 0: reactor, 1: proactor
	TimeSlot   time.Duration
	MaxFD      int

	// Workers and credential store
	SQLNum      int
	ThreadNum   int
	MaxRequests int
	BcryptCost  int

	// AWS
	SSMPrefix string
	Region    string
}

// Default returns the configuration the server runs with when nothing is set.
func Default() *Config {
	return &Config{
		Port:          9006,
		ListenAddr:    "",
		AdminAddr:     "",
		DocRoot:       "./root",
		DataDir:       "./data",
		LogDir:        "./logs",
		LogName:       "ServerLog",
		LogLevel:      "info",
		LogAsync:      false,
		LogQueueSize:  800,
		LogSplitLines: 800000,
		CloseLog:      false,
		Linger:        false,
		TrigMode:      0,
		ActorModel:    0,
		TimeSlot:      5 * time.Second,
		MaxFD:         65536,
		SQLNum:        8,
		ThreadNum:     8,
		MaxRequests:   10000,
		BcryptCost:    bcrypt.DefaultCost,
		SSMPrefix:     "",
		Region:        "us-east-1",
	}
}

// Addr returns the host:port the listener binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.Port))
}

// ListenET reports whether the listening socket is edge-triggered.
func (c *Config) ListenET() bool { return c.TrigMode >= 2 }

// ConnET reports whether client sockets are edge-triggered.
func (c *Config) ConnET() bool { return c.TrigMode&1 == 1 }

// Parse builds a Config from defaults, then TINYWEB_* environment variables,
// then args. Flags win over the environment.
func Parse(args []string) (*Config, error) {
	return parse(args, os.LookupEnv)
}

func parse(args []string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := cfg.FromEnv(lookup); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("tinyweb", flag.ContinueOnError)
	cfg.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// register binds every field to a long flag. The single-letter forms are kept
// for compatibility with existing launch scripts.
func (c *Config) register(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "Listen port")
	fs.IntVar(&c.Port, "p", c.Port, "Alias for -port")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Listen address (empty for all interfaces)")
	fs.StringVar(&c.AdminAddr, "admin", c.AdminAddr, "Admin HTTP address (empty to disable)")
	fs.StringVar(&c.AdminKey, "admin-key", c.AdminKey, "X-API-Key required by the admin API")

	fs.StringVar(&c.DocRoot, "root", c.DocRoot, "Document root")
	fs.StringVar(&c.DataDir, "data", c.DataDir, "User database directory")

	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "Log directory (empty for stderr)")
	fs.StringVar(&c.LogName, "log-name", c.LogName, "Log file base name")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&c.LogAsync, "log-async", c.LogAsync, "Write logs from a background queue")
	fs.Var(switchValue{&c.LogAsync}, "l", "Log write mode: 0 sync, 1 async")
	fs.IntVar(&c.LogQueueSize, "log-queue", c.LogQueueSize, "Async log queue size")
	fs.IntVar(&c.LogSplitLines, "log-split", c.LogSplitLines, "Lines per log file before rolling")
	fs.BoolVar(&c.CloseLog, "close-log", c.CloseLog, "Disable logging")
	fs.Var(switchValue{&c.CloseLog}, "c", "Close log: 0 keep, 1 close")

	fs.BoolVar(&c.Linger, "linger", c.Linger, "Graceful close and keep-alive")
	fs.Var(switchValue{&c.Linger}, "o", "Opt linger: 0 off, 1 on")
	fs.IntVar(&c.TrigMode, "trig", c.TrigMode, "Trigger mode: 0 LT+LT, 1 LT+ET, 2 ET+LT, 3 ET+ET")
	fs.IntVar(&c.TrigMode, "m", c.TrigMode, "Alias for -trig")
	fs.IntVar(&c.ActorModel, "actor", c.ActorModel, "Actor model: 0 reactor, 1 proactor")
	fs.IntVar(&c.ActorModel, "a", c.ActorModel, "Alias for -actor")
	fs.DurationVar(&c.TimeSlot, "timeslot", c.TimeSlot, "Timer tick interval; idle connections expire after three")
	fs.IntVar(&c.MaxFD, "max-fd", c.MaxFD, "Maximum concurrent connections")

	fs.IntVar(&c.SQLNum, "db-pool", c.SQLNum, "Database handle pool size")
	fs.IntVar(&c.SQLNum, "s", c.SQLNum, "Alias for -db-pool")
	fs.IntVar(&c.ThreadNum, "threads", c.ThreadNum, "Worker count")
	fs.IntVar(&c.ThreadNum, "t", c.ThreadNum, "Alias for -threads")
	fs.IntVar(&c.MaxRequests, "max-requests", c.MaxRequests, "Dispatch queue depth")
	fs.IntVar(&c.BcryptCost, "bcrypt-cost", c.BcryptCost, "Password hashing cost")

	fs.StringVar(&c.SSMPrefix, "ssm-prefix", c.SSMPrefix, "SSM parameter path to overlay (empty to skip)")
	fs.StringVar(&c.Region, "region", c.Region, "AWS region for SSM")
}

// switchValue accepts 0/1 as well as true/false and always takes an argument.
type switchValue struct{ p *bool }

func (s switchValue) String() string {
	if s.p == nil || !*s.p {
		return "0"
	}
	return "1"
}

func (s switchValue) Set(v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*s.p = b
	return nil
}

// setters maps configuration keys, as used in the environment and in SSM,
// onto fields.
func (c *Config) setters() map[string]func(string) error {
	return map[string]func(string) error{
		"port":            intSetter(&c.Port),
		"listen_addr":     stringSetter(&c.ListenAddr),
		"admin_addr":      stringSetter(&c.AdminAddr),
		"admin_key":       stringSetter(&c.AdminKey),
		"doc_root":        stringSetter(&c.DocRoot),
		"data_dir":        stringSetter(&c.DataDir),
		"log_dir":         stringSetter(&c.LogDir),
		"log_name":        stringSetter(&c.LogName),
		"log_level":       stringSetter(&c.LogLevel),
		"log_async":       boolSetter(&c.LogAsync),
		"log_queue_size":  intSetter(&c.LogQueueSize),
		"log_split_lines": intSetter(&c.LogSplitLines),
		"close_log":       boolSetter(&c.CloseLog),
		"linger":          boolSetter(&c.Linger),
		"trig_mode":       intSetter(&c.TrigMode),
		"actor_model":     intSetter(&c.ActorModel),
		"time_slot":       durationSetter(&c.TimeSlot),
		"max_fd":          intSetter(&c.MaxFD),
		"sql_num":         intSetter(&c.SQLNum),
		"thread_num":      intSetter(&c.ThreadNum),
		"max_requests":    intSetter(&c.MaxRequests),
		"bcrypt_cost":     intSetter(&c.BcryptCost),
		"ssm_prefix":      stringSetter(&c.SSMPrefix),
		"region":          stringSetter(&c.Region),
	}
}

// Keys returns every settable key in sorted order.
func Keys() []string {
	keys := make([]string, 0, 32)
	for k := range Default().setters() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns value to the field named by key.
func (c *Config) Set(key, value string) error {
	set, ok := c.setters()[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := set(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	return nil
}

// FromEnv overrides fields from TINYWEB_<KEY> variables found through lookup.
func (c *Config) FromEnv(lookup func(string) (string, bool)) error {
	for key, set := range c.setters() {
		v, ok := lookup(EnvPrefix + strings.ToUpper(key))
		if !ok || v == "" {
			continue
		}
		if err := set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case c.TrigMode < 0 || c.TrigMode > 3:
		return fmt.Errorf("%w: trigger mode %d not in 0..3", ErrInvalid, c.TrigMode)
	case c.ActorModel < 0 || c.ActorModel > 1:
		return fmt.Errorf("%w: actor model %d not in 0..1", ErrInvalid, c.ActorModel)
	case c.ThreadNum <= 0:
		return fmt.Errorf("%w: thread count must be positive", ErrInvalid)
	case c.SQLNum <= 0:
		return fmt.Errorf("%w: database pool size must be positive", ErrInvalid)
	case c.MaxRequests <= 0:
		return fmt.Errorf("%w: max requests must be positive", ErrInvalid)
	case c.MaxFD <= 0:
		return fmt.Errorf("%w: max fd must be positive", ErrInvalid)
	case c.TimeSlot <= 0:
		return fmt.Errorf("%w: timeslot must be positive", ErrInvalid)
	case c.LogAsync && c.LogQueueSize <= 0:
		return fmt.Errorf("%w: async logging needs a positive queue size", ErrInvalid)
	case c.LogSplitLines < 0:
		return fmt.Errorf("%w: log split lines must not be negative", ErrInvalid)
	case c.BcryptCost != 0 && (c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost):
		return fmt.Errorf("%w: bcrypt cost %d not in %d..%d", ErrInvalid, c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	case c.DocRoot == "":
		return fmt.Errorf("%w: document root is required", ErrInvalid)
	}

	info, err := os.Stat(c.DocRoot)
	if err != nil {
		return fmt.Errorf("%w: document root: %v", ErrInvalid, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: document root %s is not a directory", ErrInvalid, c.DocRoot)
	}
	return nil
}

func intSetter(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func boolSetter(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func stringSetter(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

// durationSetter accepts Go durations, or a bare integer as seconds.
func durationSetter(p *time.Duration) func(string) error {
	return func(v string) error {
		if n, err := strconv.Atoi(v); err == nil {
			*p = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}
