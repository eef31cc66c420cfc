// Package config loads notesync settings.
//
// Settings come from defaults, then an optional CUE file checked against
// the embedded schema, then NOTESYNC_* environment variables (with a .env
// file as fallback). The result is validated before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

//go:embed schema.cue
var schemaSource []byte

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "NOTESYNC_"

// Database selects the storage backend.
type Database struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	TablePrefix string `json:"table_prefix"`
}

// Device identifies this process in update logs.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session holds relay session room settings.
type Session struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

// Reconcile holds client reconciliation settings.
type Reconcile struct {
	BatchSize int
	Delay     time.Duration
	Threshold int
}

// WarmCache holds the relay's cache of idle global documents.
type WarmCache struct {
	TTL      time.Duration
	Capacity int
}

// Config is the resolved configuration.
type Config struct {
	ListenAddr     string
	RelayURL       string
	Database       Database
	Device         Device
	PersistDelay   time.Duration
	NotifyDelay    time.Duration
	Session        Session
	Reconcile      Reconcile
	WarmCache      WarmCache
	AllowedOrigins []string
	LogFormat      string
	LogLevel       string
}

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		ListenAddr: ":8080",
		RelayURL:   "http://localhost:8080",
		Database:   Database{Driver: "sqlite", DSN: "notesync.db"},
		Device:     Device{ID: host, Name: host},

		PersistDelay: 500 * time.Millisecond,
		NotifyDelay:  100 * time.Millisecond,
		Session:      Session{Retention: time.Hour, SweepInterval: 10 * time.Minute},
		Reconcile:    Reconcile{BatchSize: 5, Delay: 100 * time.Millisecond, Threshold: 50},
		WarmCache:    WarmCache{TTL: 5 * time.Minute, Capacity: 1024},
		LogFormat:    "text",
		LogLevel:     "info",
	}
}

// Validate checks a resolved configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.Database),
		validation.Field(&c.PersistDelay, validation.Min(time.Millisecond)),
		validation.Field(&c.NotifyDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.Session),
		validation.Field(&c.Reconcile),
		validation.Field(&c.WarmCache),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

func (d Database) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In("sqlite", "postgres")),
		validation.Field(&d.DSN, validation.Required),
	)
}

func (s Session) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Retention, validation.Min(time.Second)),
		validation.Field(&s.SweepInterval, validation.Min(time.Second)),
	)
}

func (r Reconcile) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BatchSize, validation.Min(1)),
		validation.Field(&r.Delay, validation.Min(time.Duration(0))),
		validation.Field(&r.Threshold, validation.Min(1)),
	)
}

func (w WarmCache) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.TTL, validation.Min(time.Second)),
		validation.Field(&w.Capacity, validation.Min(1)),
	)
}

// Options tells Load where to look.
type Options struct {
	// File is an optional CUE file. Empty skips it; a named file that does
	// not exist is an error.
	File string
	// EnvFile is a .env file consulted for variables missing from the
	// environment. A missing file is ignored.
	EnvFile string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load resolves the configuration.
func Load(opts Options) (Config, error) {
	cfg := Default()

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := applyCUE(&cfg, opts.File, data); err != nil {
			return Config{}, err
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", opts.EnvFile, err)
		}
		lookup = withFallback(lookup, dotenv)
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func withFallback(lookup func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

// fileConfig mirrors #Config. Durations stay strings until parsed.
type fileConfig struct {
	ListenAddr   *string   `json:"listen_addr"`
	RelayURL     *string   `json:"relay_url"`
	Database     *Database `json:"database"`
	Device       *Device   `json:"device"`
	PersistDelay *string   `json:"persist_delay"`
	NotifyDelay  *string   `json:"notify_delay"`
	Session      *struct {
		Retention     *string `json:"retention"`
		SweepInterval *string `json:"sweep_interval"`
	} `json:"session"`
	Reconcile *struct {
		BatchSize *int    `json:"batch_size"`
		Delay     *string `json:"delay"`
		Threshold *int    `json:"threshold"`
	} `json:"reconcile"`
	WarmCache *struct {
		TTL      *string `json:"ttl"`
		Capacity *int    `json:"capacity"`
	} `json:"warm_cache"`
	AllowedOrigins []string `json:"allowed_origins"`
	LogFormat      *string  `json:"log_format"`
	LogLevel       *string  `json:"log_level"`
}

func applyCUE(cfg *Config, filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validate %s: %w", filename, err)
	}

	var fc fileConfig
	if err := unified.Decode(&fc); err != nil {
		return fmt.Errorf("decode %s: %w", filename, err)
	}
	return fc.apply(cfg)
}

func (fc fileConfig) apply(cfg *Config) error {
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.RelayURL, fc.RelayURL)
	if fc.Database != nil {
		setNonEmpty(&cfg.Database.Driver, fc.Database.Driver)
		setNonEmpty(&cfg.Database.DSN, fc.Database.DSN)
		setNonEmpty(&cfg.Database.TablePrefix, fc.Database.TablePrefix)
	}
	if fc.Device != nil {
		setNonEmpty(&cfg.Device.ID, fc.Device.ID)
		setNonEmpty(&cfg.Device.Name, fc.Device.Name)
	}
	if fc.AllowedOrigins != nil {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.LogLevel, fc.LogLevel)

	durations := []durationField{
		{&cfg.PersistDelay, fc.PersistDelay},
		{&cfg.NotifyDelay, fc.NotifyDelay},
	}
	if s := fc.Session; s != nil {
		durations = append(durations,
			durationField{&cfg.Session.Retention, s.Retention},
			durationField{&cfg.Session.SweepInterval, s.SweepInterval})
	}
	if r := fc.Reconcile; r != nil {
		setInt(&cfg.Reconcile.BatchSize, r.BatchSize)
		setInt(&cfg.Reconcile.Threshold, r.Threshold)
		durations = append(durations, durationField{&cfg.Reconcile.Delay, r.Delay})
	}
	if w := fc.WarmCache; w != nil {
		setInt(&cfg.WarmCache.Capacity, w.Capacity)
		durations = append(durations, durationField{&cfg.WarmCache.TTL, w.TTL})
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

type durationField struct {
	dst *time.Duration
	src *string
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setNonEmpty(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN_ADDR":     &cfg.ListenAddr,
		"RELAY_URL":       &cfg.RelayURL,
		"DB_DRIVER":       &cfg.Database.Driver,
		"DB_DSN":          &cfg.Database.DSN,
		"DB_TABLE_PREFIX": &cfg.Database.TablePrefix,
		"DEVICE_ID":       &cfg.Device.ID,
		"DEVICE_NAME":     &cfg.Device.Name,
		"LOG_FORMAT":      &cfg.LogFormat,
		"LOG_LEVEL":       &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"PERSIST_DELAY":     &cfg.PersistDelay,
		"NOTIFY_DELAY":      &cfg.NotifyDelay,
		"SESSION_RETENTION": &cfg.Session.Retention,
		"SWEEP_INTERVAL":    &cfg.Session.SweepInterval,
		"RECONCILE_DELAY":   &cfg.Reconcile.Delay,
		"WARM_CACHE_TTL":    &cfg.WarmCache.TTL,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"RECONCILE_BATCH":     &cfg.Reconcile.BatchSize,
		"RECONCILE_THRESHOLD": &cfg.Reconcile.Threshold,
		"WARM_CACHE_CAPACITY": &cfg.WarmCache.Capacity,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	return nil
}
