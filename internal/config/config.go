// Package config provides functionality for managing configuration options
// of the sync server and client using command-line flags, environment
// variables and an optional JSON file.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Options holds the configuration values of the sync server.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"server_address"`

	// DatabaseDSN holds the database connection string for the application.
	DatabaseDSN string `json:"database_dsn"`

	// Config is the path to the Config file.
	Config string `json:"-"`

	CACert  string `json:"ca_cert"`
	CAKey   string `json:"ca_key"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	// CompactInterval is how often superseded changes are removed.
	CompactInterval time.Duration `json:"-"`
	// Retention is how long a superseded change is kept for replicas that
	// have not synced yet.
	Retention time.Duration `json:"-"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// fileOptions mirrors Options in the JSON file, with durations as strings.
type fileOptions struct {
	Options
	CompactInterval string `json:"compact_interval"`
	Retention       string `json:"retention"`
}

func defaults() *Options {
	return &Options{
		Port:            "localhost:8080",
		Config:          "config.json",
		CACert:          "certs/ca.crt",
		CAKey:           "certs/ca.key",
		TLSCert:         "certs/server.crt",
		TLSKey:          "certs/server.key",
		CompactInterval: time.Hour,
		Retention:       30 * 24 * time.Hour,
		LogLevel:        "info",
	}
}

// Parse builds the server options. Values are applied in order: defaults,
// the JSON file, explicitly set flags, then environment variables
// (CONFIG, SERVER_ADDRESS, DATABASE_DSN, LOG_LEVEL).
func Parse(args []string) (*Options, error) {
	options := defaults()

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&options.Port, "a", options.Port, "run on ip:port server")
	fs.StringVar(&options.DatabaseDSN, "d", options.DatabaseDSN, "db address")
	fs.StringVar(&options.Config, "config", options.Config, "path to config file")
	fs.StringVar(&options.Config, "c", options.Config, "path to config file (shorthand)")
	fs.StringVar(&options.CACert, "ca-cert", options.CACert, "CA certificate used to verify and issue client certificates")
	fs.StringVar(&options.CAKey, "ca-key", options.CAKey, "CA private key")
	fs.StringVar(&options.TLSCert, "tls-cert", options.TLSCert, "server TLS certificate")
	fs.StringVar(&options.TLSKey, "tls-key", options.TLSKey, "server TLS key")
	fs.DurationVar(&options.CompactInterval, "compact-interval", options.CompactInterval, "interval between change compactions")
	fs.DurationVar(&options.Retention, "retention", options.Retention, "minimum age of a superseded change before it is removed")
	fs.StringVar(&options.LogLevel, "log-level", options.LogLevel, "log level")
	fs.StringVar(&options.LogFile, "log-file", options.LogFile, "optional rotated log file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		flagged := *options
		if err := loadFile(options.Config, options); err != nil {
			return nil, err
		}
		// Flags given on the command line win over the file.
		fs.Visit(func(f *flag.Flag) {
			applyFlag(options, &flagged, f.Name)
		})
	}

	if serverAddress := os.Getenv("SERVER_ADDRESS"); serverAddress != "" {
		options.Port = serverAddress
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		options.LogLevel = level
	}

	if options.CompactInterval <= 0 {
		return nil, fmt.Errorf("compact interval must be positive, got %s", options.CompactInterval)
	}
	return options, nil
}

// loadFile overlays the JSON file at path onto options. A missing file is
// not an error.
func loadFile(path string, options *Options) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}

	fo := fileOptions{Options: *options}
	if err := json.Unmarshal(data, &fo); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	cfgPath := options.Config
	*options = fo.Options
	options.Config = cfgPath

	if fo.CompactInterval != "" {
		if options.CompactInterval, err = time.ParseDuration(fo.CompactInterval); err != nil {
			return fmt.Errorf("compact_interval: %w", err)
		}
	}
	if fo.Retention != "" {
		if options.Retention, err = time.ParseDuration(fo.Retention); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}
	return nil
}

func applyFlag(dst, src *Options, name string) {
	switch name {
	case "a":
		dst.Port = src.Port
	case "d":
		dst.DatabaseDSN = src.DatabaseDSN
	case "ca-cert":
		dst.CACert = src.CACert
	case "ca-key":
		dst.CAKey = src.CAKey
	case "tls-cert":
		dst.TLSCert = src.TLSCert
	case "tls-key":
		dst.TLSKey = src.TLSKey
	case "compact-interval":
		dst.CompactInterval = src.CompactInterval
	case "retention":
		dst.Retention = src.Retention
	case "log-level":
		dst.LogLevel = src.LogLevel
	case "log-file":
		dst.LogFile = src.LogFile
	}
}

// ClientOptions holds the defaults of the command-line client.
type ClientOptions struct {
	ServerURL  string
	StorePath  string
	CertDir    string
	CAFile     string
	Passphrase string
}

// Client environment variables.
const (
	EnvServerURL  = "CIPHERSYNC_URL"
	EnvPassphrase = "CIPHERSYNC_KEY"
	EnvHome       = "CIPHERSYNC_HOME"
)

// ClientFromEnv returns client defaults, taken from the environment where
// set. Files live under $CIPHERSYNC_HOME, or ~/.ciphersync.
func ClientFromEnv() ClientOptions {
	home := os.Getenv(EnvHome)
	if home == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(dir, ".ciphersync")
		} else {
			home = ".ciphersync"
		}
	}
	opts := ClientOptions{
		ServerURL:  "https://localhost:8080",
		StorePath:  filepath.Join(home, "store.db"),
		CertDir:    filepath.Join(home, "certs"),
		CAFile:     filepath.Join(home, "certs", "ca.crt"),
		Passphrase: os.Getenv(EnvPassphrase),
	}
	if u := os.Getenv(EnvServerURL); u != "" {
		opts.ServerURL = u
	}
	return opts
}
