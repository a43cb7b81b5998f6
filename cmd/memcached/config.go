package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/pior/memcached"
	"github.com/pior/memcached/handlers"
	"github.com/pior/memcached/internal/logging"
	"github.com/pior/memcached/store"
)

const envPrefix = "MEMCACHED_"

type config struct {
	Listen          string
	Admin           string // empty disables the admin endpoint
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat logging.Format

	MaxPendingRequests int64
	MaxBodyLength      uint32
	IdleTimeout        time.Duration
	DrainTimeout       time.Duration
	FailurePolicy      memcached.FailurePolicy

	Shards        int
	MaxItemSize   int
	PurgeInterval time.Duration

	SlowKey   string
	SlowDelay time.Duration
}

func defaultConfig() config {
	return config{
		Listen:          ":11211",
		Admin:           "127.0.0.1:11212",
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       logging.FormatConsole,
		Shards:          16,
		MaxItemSize:     1 << 20,
		PurgeInterval:   time.Minute,
		SlowDelay:       5 * time.Second,
	}
}

func (c config) serverConfig() memcached.Config {
	return memcached.Config{
		MaxPendingRequests: c.MaxPendingRequests,
		MaxBodyLength:      c.MaxBodyLength,
		IdleTimeout:        c.IdleTimeout,
		DrainTimeout:       c.DrainTimeout,
		FailurePolicy:      c.FailurePolicy,
	}
}

func (c config) storeConfig() store.Config {
	return store.Config{
		Shards:        c.Shards,
		MaxItemSize:   c.MaxItemSize,
		PurgeInterval: c.PurgeInterval,
	}
}

func (c config) handlerOptions() handlers.Options {
	return handlers.Options{
		SlowKey:   c.SlowKey,
		SlowDelay: c.SlowDelay,
	}
}

type fileConfig struct {
	Listen             string `toml:"listen"`
	Admin              string `toml:"admin"`
	ShutdownTimeout    string `toml:"shutdown_timeout"`
	LogLevel           string `toml:"log_level"`
	LogFormat          string `toml:"log_format"`
	MaxPendingRequests int64  `toml:"max_pending_requests"`
	MaxBodyLength      int64  `toml:"max_body_length"`
	IdleTimeout        string `toml:"idle_timeout"`
	DrainTimeout       string `toml:"drain_timeout"`
	FailurePolicy      string `toml:"failure_policy"`
	Shards             int    `toml:"shards"`
	MaxItemSize        int    `toml:"max_item_size"`
	PurgeInterval      string `toml:"purge_interval"`
	SlowKey            string `toml:"slow_key"`
	SlowDelay          string `toml:"slow_delay"`
}

// setter applies one raw setting, coming from the config file, the
// environment or a flag.
type setter func(c *config, raw string) error

var settings = map[string]setter{
	"listen":               func(c *config, raw string) error { c.Listen = raw; return nil },
	"admin":                func(c *config, raw string) error { c.Admin = raw; return nil },
	"shutdown_timeout":     durationSetter(func(c *config) *time.Duration { return &c.ShutdownTimeout }),
	"log_level":            func(c *config, raw string) error { c.LogLevel = raw; return nil },
	"log_format":           setLogFormat,
	"max_pending_requests": func(c *config, raw string) error { return parseInt(raw, &c.MaxPendingRequests) },
	"max_body_length":      setMaxBodyLength,
	"idle_timeout":         durationSetter(func(c *config) *time.Duration { return &c.IdleTimeout }),
	"drain_timeout":        durationSetter(func(c *config) *time.Duration { return &c.DrainTimeout }),
	"failure_policy":       setFailurePolicy,
	"shards":               intSetter(func(c *config) *int { return &c.Shards }),
	"max_item_size":        intSetter(func(c *config) *int { return &c.MaxItemSize }),
	"purge_interval":       durationSetter(func(c *config) *time.Duration { return &c.PurgeInterval }),
	"slow_key":             func(c *config, raw string) error { c.SlowKey = raw; return nil },
	"slow_delay":           durationSetter(func(c *config) *time.Duration { return &c.SlowDelay }),
}

func durationSetter(field func(*config) *time.Duration) setter {
	return func(c *config, raw string) error {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func intSetter(field func(*config) *int) setter {
	return func(c *config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func parseInt(raw string, dst *int64) error {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setMaxBodyLength(c *config, raw string) error {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return err
	}
	c.MaxBodyLength = uint32(n)
	return nil
}

func setLogFormat(c *config, raw string) error {
	switch f := logging.Format(strings.ToLower(raw)); f {
	case logging.FormatConsole, logging.FormatJSON:
		c.LogFormat = f
		return nil
	default:
		return fmt.Errorf("unknown log format %q", raw)
	}
}

func setFailurePolicy(c *config, raw string) error {
	p, err := memcached.ParseFailurePolicy(raw)
	if err != nil {
		return err
	}
	c.FailurePolicy = p
	return nil
}

func apply(c *config, name, raw string) error {
	set, ok := settings[name]
	if !ok {
		return fmt.Errorf("unknown setting %q", name)
	}
	if err := set(c, strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// loadFile applies the settings defined in the TOML file at path.
func loadFile(c *config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown keys %v", undecoded)
	}

	values := map[string]string{
		"listen":               raw.Listen,
		"admin":                raw.Admin,
		"shutdown_timeout":     raw.ShutdownTimeout,
		"log_level":            raw.LogLevel,
		"log_format":           raw.LogFormat,
		"max_pending_requests": strconv.FormatInt(raw.MaxPendingRequests, 10),
		"max_body_length":      strconv.FormatInt(raw.MaxBodyLength, 10),
		"idle_timeout":         raw.IdleTimeout,
		"drain_timeout":        raw.DrainTimeout,
		"failure_policy":       raw.FailurePolicy,
		"shards":               strconv.Itoa(raw.Shards),
		"max_item_size":        strconv.Itoa(raw.MaxItemSize),
		"purge_interval":       raw.PurgeInterval,
		"slow_key":             raw.SlowKey,
		"slow_delay":           raw.SlowDelay,
	}
	for name, value := range values {
		if !meta.IsDefined(name) {
			continue
		}
		if err := apply(c, name, value); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	return nil
}

// loadEnvFile adds the variables of a .env file to the environment.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadEnv applies the MEMCACHED_<SETTING> variables, e.g.
// MEMCACHED_MAX_ITEM_SIZE.
func loadEnv(c *config, getenv func(string) string) error {
	for name := range settings {
		raw := getenv(envPrefix + strings.ToUpper(name))
		if raw == "" {
			continue
		}
		if err := apply(c, name, raw); err != nil {
			return fmt.Errorf("environment: %w", err)
		}
	}
	return nil
}

type cliFlags struct {
	configPath string
	envFile    string
	set        map[string]string
}

// parseFlags parses args. Only the flags present in args override the
// other sources.
func parseFlags(args []string) (cliFlags, error) {
	fset := flag.NewFlagSet("memcached", flag.ContinueOnError)

	var f cliFlags
	fset.StringVar(&f.configPath, "config", "", "TOML config file")
	fset.StringVar(&f.envFile, "env-file", ".env", "dotenv file, ignored when missing")
	fset.String("listen", "", "protocol listen address (default \":11211\")")
	fset.String("admin", "", "admin HTTP listen address, \"off\" to disable (default \"127.0.0.1:11212\")")
	fset.String("log-level", "", "log level (default \"info\")")

	if err := fset.Parse(args); err != nil {
		return cliFlags{}, err
	}

	f.set = make(map[string]string)
	fset.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen", "admin":
			f.set[fl.Name] = fl.Value.String()
		case "log-level":
			f.set["log_level"] = fl.Value.String()
		}
	})
	return f, nil
}

// loadConfig layers the sources: defaults, config file, dotenv file,
// environment, flags.
func loadConfig(args []string, getenv func(string) string) (config, error) {
	cfg := defaultConfig()

	flags, err := parseFlags(args)
	if err != nil {
		return config{}, err
	}

	if flags.configPath != "" {
		if err := loadFile(&cfg, flags.configPath); err != nil {
			return config{}, err
		}
	}

	if flags.envFile != "" {
		if err := loadEnvFile(flags.envFile); err != nil {
			return config{}, err
		}
	}

	if err := loadEnv(&cfg, getenv); err != nil {
		return config{}, err
	}

	for name, raw := range flags.set {
		if err := apply(&cfg, name, raw); err != nil {
			return config{}, fmt.Errorf("flag: %w", err)
		}
	}

	if cfg.Admin == "off" {
		cfg.Admin = ""
	}
	return cfg, nil
}
