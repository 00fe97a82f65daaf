package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config holds the global options shared by every command.
type Config struct {
	ConfigFile string `long:"config" env:"AUTHCTL_CONFIG" description:"YAML profile; its values apply where a flag is not given"`

	Server         string        `long:"server" env:"AUTHCTL_SERVER" default:"http://localhost:8000" description:"Backend base URL"`
	Timeout        time.Duration `long:"timeout" env:"AUTHCTL_TIMEOUT" default:"30s" description:"Per-request timeout"`
	BeginTimeout   time.Duration `long:"begin-timeout" env:"AUTHCTL_BEGIN_TIMEOUT" default:"15s" description:"Timeout for passkey begin calls"`
	RefreshTimeout time.Duration `long:"refresh-timeout" env:"AUTHCTL_REFRESH_TIMEOUT" default:"15s" description:"Timeout for token refresh"`
	LogLevel       string        `long:"log-level" env:"AUTHCTL_LOG_LEVEL" default:"warn" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`

	// Credential storage
	StoreMode        string `long:"store-mode" env:"AUTHCTL_STORE_MODE" default:"filesystem" choice:"memory" choice:"filesystem" choice:"redis" choice:"s3" choice:"sqlite" description:"Credential storage backend"`
	Profile          string `long:"profile" env:"AUTHCTL_PROFILE" default:"default" description:"Credential profile name"`
	DataPath         string `long:"data-path" env:"AUTHCTL_DATA_PATH" default:"./.authctl" description:"Directory for local state"`
	EncryptionSecret string `long:"encryption-secret" env:"AUTHCTL_ENCRYPTION_SECRET" description:"Encrypt filesystem credentials with this secret"`

	// Passkeys
	KeyringPath string `long:"keyring" env:"AUTHCTL_KEYRING" description:"Software passkey keyring file (default <data-path>/keyring.json)"`
	RPOrigin    string `long:"rp-origin" env:"AUTHCTL_RP_ORIGIN" default:"https://localhost" description:"Origin reported in passkey client data"`
	DeviceName  string `long:"device-name" env:"AUTHCTL_DEVICE_NAME" description:"Device name for passkey registration"`
	AssumeYes   bool   `short:"y" long:"yes" description:"Approve passkey prompts without asking"`

	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"authctl" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`
}

func (c *Config) keyringPath() string {
	if c.KeyringPath != "" {
		return c.KeyringPath
	}
	return filepath.Join(c.DataPath, "keyring.json")
}

func (c *Config) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelWarn
	}
	return l
}

// profileArgs turns the YAML profile named by --config (or AUTHCTL_CONFIG)
// into flag arguments. They are placed before the real arguments so anything
// given on the command line wins.
func profileArgs(args []string) ([]string, error) {
	var boot struct {
		ConfigFile string `long:"config" env:"AUTHCTL_CONFIG"`
	}
	p := flags.NewParser(&boot, flags.IgnoreUnknown)
	if _, err := p.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("failed to parse config flag: %w", err)
	}
	if boot.ConfigFile == "" {
		return nil, nil
	}
	return loadProfile(boot.ConfigFile)
}

func loadProfile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	var probe Config
	options := map[string]*flags.Option{}
	collectOptions(flags.NewParser(&probe, flags.None).Group, options)

	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "config" {
			continue
		}
		if options[k] == nil {
			return nil, fmt.Errorf("config %s: unknown option %q", path, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, isBool := options[k].Value().(bool); isBool {
			// Bool flags take no argument.
			if v, err := strconv.ParseBool(values[k]); err != nil {
				return nil, fmt.Errorf("config %s: option %q: %w", path, k, err)
			} else if v {
				out = append(out, "--"+k)
			}
			continue
		}
		out = append(out, "--"+k+"="+values[k])
	}
	return out, nil
}

func collectOptions(g *flags.Group, into map[string]*flags.Option) {
	for _, opt := range g.Options() {
		if opt.LongName != "" {
			into[opt.LongName] = opt
		}
	}
	for _, sub := range g.Groups() {
		collectOptions(sub, into)
	}
}

var errMissingServer = errors.New("server URL is required")

func (c *Config) validate() error {
	if c.Server == "" {
		return errMissingServer
	}
	return nil
}
