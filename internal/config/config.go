package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host            string
	Port            int
	SweepInterval   time.Duration
	MaxKeys         int
	MaxListLength   int
	MaxKeysPerWait  int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
	Version         bool
	TLSCert         string
	TLSKey          string
	AuthToken       string
}

// fileConfig mirrors the flags in a YAML config file. Unset fields keep the
// flag default. Durations are in seconds.
type fileConfig struct {
	Host            *string `yaml:"host"`
	Port            *int    `yaml:"port"`
	SweepInterval   *int    `yaml:"sweep_interval"`
	MaxKeys         *int    `yaml:"max_keys"`
	MaxListLength   *int    `yaml:"max_list_length"`
	MaxKeysPerWait  *int    `yaml:"max_keys_per_wait"`
	MaxConnections  *int    `yaml:"max_connections"`
	ReadTimeout     *int    `yaml:"read_timeout"`
	WriteTimeout    *int    `yaml:"write_timeout"`
	ShutdownTimeout *int    `yaml:"shutdown_timeout"`
	TLSCert         *string `yaml:"tls_cert"`
	TLSKey          *string `yaml:"tls_key"`
	AuthTokenFile   *string `yaml:"auth_token_file"`
	Debug           *bool   `yaml:"debug"`
}

// envOrInt returns the environment variable value parsed as int, or the flag
// default if the env var is unset or unparseable.
func envOrInt(envKey string, flagVal int) int {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return flagVal
	}
	return n
}

// envOrBool returns the environment variable value parsed as bool, or the flag
// default if the env var is unset. Recognizes 1/yes/true as true and
// 0/no/false as false; unrecognized values fall back to the flag default.
func envOrBool(envKey string, flagVal bool) bool {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	switch strings.ToLower(v) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return flagVal
	}
}

func envOrString(envKey string, flagVal string) string {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	return v
}

// envOrDuration returns a time.Duration in seconds from the environment
// variable, or converts the flag default (in seconds) if the env var is unset.
func envOrDuration(envKey string, flagVal int) time.Duration {
	return time.Duration(envOrInt(envKey, flagVal)) * time.Second
}

// layers resolves one setting from its flag, environment variable and
// config file entry. An explicitly set flag wins, then the environment, then
// the file, then the flag default.
type layers struct {
	fset *pflag.FlagSet
}

func fileOr[T any](fileVal *T, flagVal T) T {
	if fileVal == nil {
		return flagVal
	}
	return *fileVal
}

func (l layers) str(name, envKey string, flagVal string, fileVal *string) string {
	if l.fset.Changed(name) {
		return flagVal
	}
	return envOrString(envKey, fileOr(fileVal, flagVal))
}

func (l layers) int(name, envKey string, flagVal int, fileVal *int) int {
	if l.fset.Changed(name) {
		return flagVal
	}
	return envOrInt(envKey, fileOr(fileVal, flagVal))
}

func (l layers) seconds(name, envKey string, flagVal int, fileVal *int) time.Duration {
	if l.fset.Changed(name) {
		return time.Duration(flagVal) * time.Second
	}
	return envOrDuration(envKey, fileOr(fileVal, flagVal))
}

func (l layers) bool(name, envKey string, flagVal bool, fileVal *bool) bool {
	if l.fset.Changed(name) {
		return flagVal
	}
	return envOrBool(envKey, fileOr(fileVal, flagVal))
}

// loadAuthToken resolves the auth token from (in priority order):
//  1. DFLISTD_AUTH_TOKEN env var
//  2. --auth-token flag
//  3. contents of --auth-token-file (trailing whitespace stripped)
//  4. contents of DFLISTD_AUTH_TOKEN_FILE env var
func loadAuthToken(flagToken, flagTokenFile string) (string, error) {
	if v := os.Getenv("DFLISTD_AUTH_TOKEN"); v != "" {
		return v, nil
	}
	if flagToken != "" {
		return flagToken, nil
	}
	path := flagTokenFile
	if path == "" {
		path = os.Getenv("DFLISTD_AUTH_TOKEN_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading auth token file %q: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

func loadFile(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	// An empty file decodes as io.EOF and leaves every default in place.
	if err := dec.Decode(fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return fc, nil
}

// Load parses args (without the program name) into a Config. Values are
// taken from, lowest to highest priority: flag defaults, the YAML file named
// by --config or DFLISTD_CONFIG, DFLISTD_* environment variables, flags given
// in args. The auth token keeps its own order, see loadAuthToken.
func Load(args []string) (*Config, error) {
	fset := pflag.NewFlagSet("dflistd", pflag.ContinueOnError)

	configPath := fset.String("config", "", "Path to YAML config file")
	host := fset.String("host", "127.0.0.1", "Bind address")
	port := fset.Int("port", 6390, "Bind port")
	sweepInterval := fset.Int("sweep-interval", 600, "Interval between sweeps of abandoned waiters (seconds)")
	maxKeys := fset.Int("max-keys", 65536, "Maximum number of keys in the store")
	maxListLength := fset.Int("max-list-length", 0, "Maximum items per list (0 = unlimited)")
	maxKeysPerWait := fset.Int("max-keys-per-wait", 64, "Maximum keys in a single blocking pop (0 = unlimited)")
	maxConnections := fset.Int("max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	readTimeout := fset.Int("read-timeout", 23, "Client read timeout between commands (seconds)")
	writeTimeout := fset.Int("write-timeout", 5, "Client write timeout (seconds)")
	shutdownTimeout := fset.Int("shutdown-timeout", 30, "Graceful shutdown drain timeout (seconds, 0 = wait forever)")
	tlsCert := fset.String("tls-cert", "", "Path to TLS certificate PEM file")
	tlsKey := fset.String("tls-key", "", "Path to TLS private key PEM file")
	authToken := fset.String("auth-token", "", "Shared secret token for client authentication (visible in process list; prefer --auth-token-file)")
	authTokenFile := fset.String("auth-token-file", "", "Path to file containing the auth token (one line, trailing whitespace stripped)")
	debug := fset.Bool("debug", false, "Enable debug logging")
	version := fset.Bool("version", false, "Print version and exit")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if fset.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fset.Arg(0))
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("DFLISTD_CONFIG")
	}
	fc, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	tokenFile := *authTokenFile
	if !fset.Changed("auth-token-file") {
		tokenFile = fileOr(fc.AuthTokenFile, tokenFile)
	}
	authTok, err := loadAuthToken(*authToken, tokenFile)
	if err != nil {
		return nil, err
	}

	l := layers{fset: fset}
	cfg := &Config{
		Host:            l.str("host", "DFLISTD_HOST", *host, fc.Host),
		Port:            l.int("port", "DFLISTD_PORT", *port, fc.Port),
		SweepInterval:   l.seconds("sweep-interval", "DFLISTD_SWEEP_INTERVAL_S", *sweepInterval, fc.SweepInterval),
		MaxKeys:         l.int("max-keys", "DFLISTD_MAX_KEYS", *maxKeys, fc.MaxKeys),
		MaxListLength:   l.int("max-list-length", "DFLISTD_MAX_LIST_LENGTH", *maxListLength, fc.MaxListLength),
		MaxKeysPerWait:  l.int("max-keys-per-wait", "DFLISTD_MAX_KEYS_PER_WAIT", *maxKeysPerWait, fc.MaxKeysPerWait),
		MaxConnections:  l.int("max-connections", "DFLISTD_MAX_CONNECTIONS", *maxConnections, fc.MaxConnections),
		ReadTimeout:     l.seconds("read-timeout", "DFLISTD_READ_TIMEOUT_S", *readTimeout, fc.ReadTimeout),
		WriteTimeout:    l.seconds("write-timeout", "DFLISTD_WRITE_TIMEOUT_S", *writeTimeout, fc.WriteTimeout),
		ShutdownTimeout: l.seconds("shutdown-timeout", "DFLISTD_SHUTDOWN_TIMEOUT_S", *shutdownTimeout, fc.ShutdownTimeout),
		TLSCert:         l.str("tls-cert", "DFLISTD_TLS_CERT", *tlsCert, fc.TLSCert),
		TLSKey:          l.str("tls-key", "DFLISTD_TLS_KEY", *tlsKey, fc.TLSKey),
		AuthToken:       authTok,
		Debug:           l.bool("debug", "DFLISTD_DEBUG", *debug, fc.Debug),
		Version:         *version,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxKeys <= 0 {
		return fmt.Errorf("--max-keys must be > 0 (got %d)", c.MaxKeys)
	}
	if c.MaxListLength < 0 {
		return fmt.Errorf("--max-list-length must be >= 0 (got %d)", c.MaxListLength)
	}
	if c.MaxKeysPerWait < 0 {
		return fmt.Errorf("--max-keys-per-wait must be >= 0 (got %d)", c.MaxKeysPerWait)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("--sweep-interval must be > 0")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("--read-timeout must be > 0")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("--write-timeout must be >= 0 (got %s)", c.WriteTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("--shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("--max-connections must be >= 0 (got %d)", c.MaxConnections)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("--tls-cert and --tls-key must be given together")
	}
	return nil
}
