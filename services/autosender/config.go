package autosender

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"autosender/crypto"
	"autosender/services/autosender/catalog"
	"autosender/services/autosender/pacing"
	"autosender/services/autosender/retry"
	"autosender/storage"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Amount wraps a decimal so bounds can be written as either numbers or strings.
type Amount struct {
	decimal.Decimal
}

// UnmarshalYAML parses a decimal scalar without going through float64.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("amount must be scalar")
	}
	return a.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a decimal amount.
func (a *Amount) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		a.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", raw, err)
	}
	a.Decimal = parsed
	return nil
}

// Config captures the runtime configuration for the autosender.
type Config struct {
	Env        string          `yaml:"env" toml:"env"`
	RPC        RPCConfig       `yaml:"rpc" toml:"rpc"`
	Senders    SendersConfig   `yaml:"senders" toml:"senders"`
	Native     NativeConfig    `yaml:"native" toml:"native"`
	Recipients string          `yaml:"recipients" toml:"recipients"`
	Tokens     string          `yaml:"tokens" toml:"tokens"`
	Ledger     LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Pacing     PacingConfig    `yaml:"pacing" toml:"pacing"`
	Retry      RetryConfig     `yaml:"retry" toml:"retry"`
	Schedule   ScheduleConfig  `yaml:"schedule" toml:"schedule"`
	Log        LogConfig       `yaml:"log" toml:"log"`
	Admin      AdminConfig     `yaml:"admin" toml:"admin"`
	Telemetry  TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// RPCConfig configures the chain client.
type RPCConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	// ChainID pins the signing chain; zero asks the node.
	ChainID        uint64   `yaml:"chain_id" toml:"chain_id"`
	RateLimit      float64  `yaml:"rate_limit" toml:"rate_limit"`
	Burst          int      `yaml:"burst" toml:"burst"`
	CallTimeout    Duration `yaml:"call_timeout" toml:"call_timeout"`
	Confirmations  uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
}

// SendersConfig lists the credentials the campaign rotates through.
type SendersConfig struct {
	Keys []string `yaml:"keys" toml:"keys"`
	// KeysEnv names an environment variable holding comma-separated keys.
	KeysEnv   string           `yaml:"keys_env" toml:"keys_env"`
	Keystores []KeystoreConfig `yaml:"keystores" toml:"keystores"`
}

// KeystoreConfig references an encrypted v3 keystore.
type KeystoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// NativeConfig bounds native transfers.
type NativeConfig struct {
	Probability *float64 `yaml:"probability" toml:"probability"`
	Min         Amount   `yaml:"min" toml:"min"`
	Max         Amount   `yaml:"max" toml:"max"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// DelayConfig is an inclusive delay window.
type DelayConfig struct {
	Min Duration `yaml:"min" toml:"min"`
	Max Duration `yaml:"max" toml:"max"`
}

// PacingConfig tunes the delays between transfers and senders.
type PacingConfig struct {
	TransferDelay DelayConfig `yaml:"transfer_delay" toml:"transfer_delay"`
	SenderDelay   DelayConfig `yaml:"sender_delay" toml:"sender_delay"`
}

// RetryConfig tunes the retry executor.
type RetryConfig struct {
	Attempts int      `yaml:"attempts" toml:"attempts"`
	Backoff  Duration `yaml:"backoff" toml:"backoff"`
}

// ScheduleConfig controls campaign cadence.
type ScheduleConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

// LogConfig configures the file sink mirrored alongside the console.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
	Format     string `yaml:"format" toml:"format"`
	Level      string `yaml:"level" toml:"level"`
}

// AdminConfig configures the operator HTTP surface. An empty Listen disables it.
type AdminConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	// SampleRatio keeps a fraction of campaign traces; zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Defaults applied when the file and environment leave a value unset.
var (
	DefaultNativeMin = decimal.RequireFromString("0.005")
	DefaultNativeMax = decimal.RequireFromString("0.01")
)

const (
	DefaultInterval       = 24 * time.Hour
	DefaultRecipientsPath = "address.txt"
	DefaultTokensPath     = "tokens.json"
	DefaultLedgerPath     = "sent.json"
	DefaultLogPath        = "log.txt"
)

// LoadConfig reads configuration from the supplied path. Files ending in .toml
// are decoded as TOML, everything else as YAML. Environment overrides are
// applied before defaults and validation. Every failure is a *ConfigError.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, &ConfigError{Err: fmt.Errorf("open config: %w", err)}
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, &ConfigError{Err: fmt.Errorf("decode config: %w", err)}
		}
	} else {
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, &ConfigError{Err: fmt.Errorf("decode config: %w", err)}
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Senders.normalise(lookup); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		value, ok := lookup(name)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	if value, ok := get("RPC_URL"); ok {
		cfg.RPC.Endpoint = value
	}
	if value, ok := get("CHAIN_ID"); ok {
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return configErrorf("CHAIN_ID", "parse %q: %v", value, err)
		}
		cfg.RPC.ChainID = id
	}
	if value, ok := get("PRIVATE_KEYS"); ok {
		cfg.Senders.Keys = splitList(value)
	}
	if value, ok := get("NATIVE_MIN"); ok {
		if err := cfg.Native.Min.UnmarshalText([]byte(value)); err != nil {
			return &ConfigError{Field: "NATIVE_MIN", Err: err}
		}
	}
	if value, ok := get("NATIVE_MAX"); ok {
		if err := cfg.Native.Max.UnmarshalText([]byte(value)); err != nil {
			return &ConfigError{Field: "NATIVE_MAX", Err: err}
		}
	}
	if value, ok := get("NATIVE_PROBABILITY"); ok {
		p, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return configErrorf("NATIVE_PROBABILITY", "parse %q: %v", value, err)
		}
		cfg.Native.Probability = &p
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Native.Probability == nil {
		p := pacing.DefaultNativeProbability
		cfg.Native.Probability = &p
	}
	if cfg.Native.Min.IsZero() {
		cfg.Native.Min.Decimal = DefaultNativeMin
	}
	if cfg.Native.Max.IsZero() {
		cfg.Native.Max.Decimal = DefaultNativeMax
	}
	if cfg.Recipients == "" {
		cfg.Recipients = DefaultRecipientsPath
	}
	if cfg.Tokens == "" {
		cfg.Tokens = DefaultTokensPath
	}
	cfg.Ledger.Backend = strings.ToLower(strings.TrimSpace(cfg.Ledger.Backend))
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = storage.BackendJSON
	}
	if cfg.Ledger.Path == "" {
		switch cfg.Ledger.Backend {
		case storage.BackendBolt:
			cfg.Ledger.Path = "sent.db"
		case storage.BackendLevelDB:
			cfg.Ledger.Path = "sent.ldb"
		default:
			cfg.Ledger.Path = DefaultLedgerPath
		}
	}
	stock := pacing.DefaultConfig()
	if cfg.Pacing.TransferDelay.Min.Duration == 0 && cfg.Pacing.TransferDelay.Max.Duration == 0 {
		cfg.Pacing.TransferDelay.Min.Duration = stock.TransferDelay.Min
		cfg.Pacing.TransferDelay.Max.Duration = stock.TransferDelay.Max
	}
	if cfg.Pacing.SenderDelay.Min.Duration == 0 && cfg.Pacing.SenderDelay.Max.Duration == 0 {
		cfg.Pacing.SenderDelay.Min.Duration = stock.SenderDelay.Min
		cfg.Pacing.SenderDelay.Max.Duration = stock.SenderDelay.Max
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = retry.DefaultAttempts
	}
	if cfg.Retry.Backoff.Duration == 0 {
		cfg.Retry.Backoff.Duration = retry.DefaultBackoff
	}
	if cfg.Schedule.Interval.Duration == 0 {
		cfg.Schedule.Interval.Duration = DefaultInterval
	}
	if cfg.Log.File == "" {
		cfg.Log.File = DefaultLogPath
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.RPC.Endpoint) == "" {
		return configErrorf("rpc.endpoint", "must be configured")
	}
	if cfg.RPC.RateLimit < 0 {
		return configErrorf("rpc.rate_limit", "must be non-negative")
	}
	if len(cfg.Credentials()) == 0 {
		return configErrorf("senders", "at least one sender credential must be configured")
	}
	if p := *cfg.Native.Probability; p < 0 || p > 1 {
		return configErrorf("native.probability", "%v outside [0, 1]", p)
	}
	native := catalog.Asset{ID: catalog.NativeID, Min: cfg.Native.Min.Decimal, Max: cfg.Native.Max.Decimal}
	if err := native.Validate(); err != nil {
		return &ConfigError{Field: "native", Err: err}
	}
	if strings.TrimSpace(cfg.Recipients) == "" {
		return configErrorf("recipients", "path must be configured")
	}
	switch cfg.Ledger.Backend {
	case storage.BackendJSON, storage.BackendBolt, storage.BackendLevelDB:
	default:
		return configErrorf("ledger.backend", "unknown backend %q", cfg.Ledger.Backend)
	}
	if _, err := pacing.New(cfg.PacingConfig(), emptyCatalog(native), pacing.SystemRandom()); err != nil {
		return &ConfigError{Field: "pacing", Err: err}
	}
	if cfg.Retry.Attempts < 1 {
		return configErrorf("retry.attempts", "must be at least 1")
	}
	if cfg.Retry.Backoff.Duration < 0 {
		return configErrorf("retry.backoff", "must be non-negative")
	}
	if cfg.Schedule.Interval.Duration < 0 {
		return configErrorf("schedule.interval", "must be non-negative")
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return configErrorf("telemetry.sample_ratio", "%v outside [0, 1]", r)
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Err: err}
	}
	return nil
}

func emptyCatalog(native catalog.Asset) *catalog.Catalog {
	cat, err := catalog.New(native, nil)
	if err != nil {
		return nil
	}
	return cat
}

func (s *SendersConfig) normalise(lookup func(string) (string, bool)) error {
	keys := make([]string, 0, len(s.Keys))
	for _, key := range s.Keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	if env := strings.TrimSpace(s.KeysEnv); env != "" {
		value, ok := lookup(env)
		if !ok || strings.TrimSpace(value) == "" {
			return configErrorf("senders.keys_env", "%s is empty", env)
		}
		keys = append(keys, splitList(value)...)
	}
	s.Keys = keys
	for i := range s.Keystores {
		s.Keystores[i].Path = strings.TrimSpace(s.Keystores[i].Path)
		s.Keystores[i].PassphraseEnv = strings.TrimSpace(s.Keystores[i].PassphraseEnv)
		if s.Keystores[i].Path == "" {
			return configErrorf(fmt.Sprintf("senders.keystores[%d].path", i), "must be configured")
		}
	}
	return nil
}

// Credentials lists every sender credential in rotation order: raw keys first,
// then keystores as "keystore:<path>".
func (c Config) Credentials() []string {
	out := make([]string, 0, len(c.Senders.Keys)+len(c.Senders.Keystores))
	out = append(out, c.Senders.Keys...)
	for _, ks := range c.Senders.Keystores {
		out = append(out, crypto.KeystorePrefix+ks.Path)
	}
	return out
}

// PassphraseEnvs maps keystore paths to the environment variable naming their
// passphrase.
func (c Config) PassphraseEnvs() map[string]string {
	envs := make(map[string]string, len(c.Senders.Keystores))
	for _, ks := range c.Senders.Keystores {
		if ks.PassphraseEnv != "" {
			envs[ks.Path] = ks.PassphraseEnv
		}
	}
	return envs
}

// NativeAsset returns the configured native bounds.
func (c Config) NativeAsset() catalog.Asset {
	return catalog.Asset{ID: catalog.NativeID, Min: c.Native.Min.Decimal, Max: c.Native.Max.Decimal}
}

// PacingConfig converts the pacing section.
func (c Config) PacingConfig() pacing.Config {
	p := pacing.DefaultNativeProbability
	if c.Native.Probability != nil {
		p = *c.Native.Probability
	}
	return pacing.Config{
		NativeProbability: p,
		TransferDelay:     pacing.Range{Min: c.Pacing.TransferDelay.Min.Duration, Max: c.Pacing.TransferDelay.Max.Duration},
		SenderDelay:       pacing.Range{Min: c.Pacing.SenderDelay.Min.Duration, Max: c.Pacing.SenderDelay.Max.Duration},
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{Attempts: c.Retry.Attempts, Backoff: c.Retry.Backoff.Duration}
}

// LogLevel returns the configured slog level.
func (c Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
