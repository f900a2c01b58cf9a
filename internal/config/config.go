// Package config loads the settings of one synced root. Settings come from the
// KEY=VALUE file in the metadata directory and can be overridden by
// POCKETSYNC_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/openmined/pocketsync/internal/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "POCKETSYNC"

// keys as they are spelled in the config file
const (
	KeyRemote        = "REMOTE"
	KeyWorkers       = "WORKERS"
	KeyState         = "STATE"
	KeyConflict      = "CONFLICT"
	KeyBackups       = "BACKUPS"
	KeySSHIdentity   = "SSH_IDENTITY"
	KeySSHKnownHosts = "SSH_KNOWN_HOSTS"
	KeyS3Region      = "S3_REGION"
	KeyS3Endpoint    = "S3_ENDPOINT"
	KeyS3AccessKey   = "S3_ACCESS_KEY_ID"
	KeyS3SecretKey   = "S3_SECRET_ACCESS_KEY"
)

const (
	StateSQLite = "sqlite"
	StateJSON   = "json"

	ConflictRename = "rename"
	ConflictFail   = "fail"

	DefaultWorkers = 4
	MaxWorkers     = 64
)

var knownKeys = []string{
	KeyRemote, KeyWorkers, KeyState, KeyConflict, KeyBackups,
	KeySSHIdentity, KeySSHKnownHosts,
	KeyS3Region, KeyS3Endpoint, KeyS3AccessKey, KeyS3SecretKey,
}

var (
	ErrInvalid  = errors.New("invalid config")
	ErrNotFound = errors.New("config not found")
)

type Config struct {
	Path          string
	Remote        string
	Workers       int
	State         string
	Conflict      string
	Backups       bool
	SSHIdentity   string
	SSHKnownHosts string
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
}

// ViperKey maps a config file key to the viper key it is stored under.
func ViperKey(fileKey string) string {
	return strings.ToLower(fileKey)
}

// NewViper returns a viper instance with built-in defaults and environment
// lookup under the POCKETSYNC_ prefix.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetDefault(ViperKey(KeyWorkers), DefaultWorkers)
	v.SetDefault(ViperKey(KeyState), StateSQLite)
	v.SetDefault(ViperKey(KeyConflict), ConflictRename)
	v.SetDefault(ViperKey(KeyBackups), true)
	return v
}

// Load reads the config file at path into v and returns the merged, validated
// configuration. Values from the file replace built-in defaults; environment
// variables and flags bound to v take precedence over the file.
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalid, path, err)
	}

	for key, val := range values {
		if !isKnown(key) {
			slog.Warn("config", "unknown key", key, "path", path)
			continue
		}
		v.SetDefault(ViperKey(key), val)
	}

	cfg := FromViper(v)
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func FromViper(v *viper.Viper) *Config {
	return &Config{
		Remote:        v.GetString(ViperKey(KeyRemote)),
		Workers:       v.GetInt(ViperKey(KeyWorkers)),
		State:         v.GetString(ViperKey(KeyState)),
		Conflict:      v.GetString(ViperKey(KeyConflict)),
		Backups:       v.GetBool(ViperKey(KeyBackups)),
		SSHIdentity:   v.GetString(ViperKey(KeySSHIdentity)),
		SSHKnownHosts: v.GetString(ViperKey(KeySSHKnownHosts)),
		S3Region:      v.GetString(ViperKey(KeyS3Region)),
		S3Endpoint:    v.GetString(ViperKey(KeyS3Endpoint)),
		S3AccessKey:   v.GetString(ViperKey(KeyS3AccessKey)),
		S3SecretKey:   v.GetString(ViperKey(KeyS3SecretKey)),
	}
}

// Validate normalizes enumerated values and rejects unusable settings.
func (c *Config) Validate() error {
	c.Remote = strings.TrimSpace(c.Remote)
	c.State = strings.ToLower(strings.TrimSpace(c.State))
	c.Conflict = strings.ToLower(strings.TrimSpace(c.Conflict))

	if c.Remote == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, KeyRemote)
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return fmt.Errorf("%w: %s must be between 1 and %d, got %d", ErrInvalid, KeyWorkers, MaxWorkers, c.Workers)
	}
	switch c.State {
	case StateSQLite, StateJSON:
	default:
		return fmt.Errorf("%w: %s must be %q or %q, got %q", ErrInvalid, KeyState, StateSQLite, StateJSON, c.State)
	}
	switch c.Conflict {
	case ConflictRename, ConflictFail:
	default:
		return fmt.Errorf("%w: %s must be %q or %q, got %q", ErrInvalid, KeyConflict, ConflictRename, ConflictFail, c.Conflict)
	}
	return nil
}

// Save writes the settings that differ from the built-in defaults. REMOTE is
// always written.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	values := map[string]string{KeyRemote: c.Remote}
	if c.Workers != 0 && c.Workers != DefaultWorkers {
		values[KeyWorkers] = fmt.Sprint(c.Workers)
	}
	if c.State != "" && c.State != StateSQLite {
		values[KeyState] = c.State
	}
	if c.Conflict != "" && c.Conflict != ConflictRename {
		values[KeyConflict] = c.Conflict
	}
	if !c.Backups {
		values[KeyBackups] = "false"
	}
	optional := map[string]string{
		KeySSHIdentity:   c.SSHIdentity,
		KeySSHKnownHosts: c.SSHKnownHosts,
		KeyS3Region:      c.S3Region,
		KeyS3Endpoint:    c.S3Endpoint,
	}
	for k, val := range optional {
		if val != "" {
			values[k] = val
		}
	}

	return godotenv.Write(values, path)
}

func isKnown(key string) bool {
	for _, k := range knownKeys {
		if k == key {
			return true
		}
	}
	return false
}
