// Package config handles configuration loading, validation, and hot reload
// for securetrack.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Audit    AuditConfig    `toml:"audit" json:"audit" yaml:"audit"`
	IPC      IPCConfig      `toml:"ipc" json:"ipc" yaml:"ipc"`
	HTTP     HTTPConfig     `toml:"http" json:"http" yaml:"http"`
	Device   DeviceConfig   `toml:"device" json:"device" yaml:"device"`
	Commands CommandsConfig `toml:"commands" json:"commands" yaml:"commands"`
	Tamper   TamperConfig   `toml:"tamper" json:"tamper" yaml:"tamper"`
	Ledger   LedgerConfig   `toml:"ledger" json:"ledger" yaml:"ledger"`
	Update   UpdateConfig   `toml:"update" json:"update" yaml:"update"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database holding the ledger, contacts, intruder
	// captures and sealed preferences.
	Path string `toml:"path" json:"path" yaml:"path"`

	// KeyPath is the 32-byte key that seals secure preferences.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// IntruderDir receives covert capture images.
	IntruderDir string `toml:"intruder_dir" json:"intruder_dir" yaml:"intruder_dir"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds the audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// IPCConfig holds the local control socket configuration.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal socket file mode.
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// AllowedUIDs may connect in addition to the daemon's own uid and root.
	AllowedUIDs []int `toml:"allowed_uids" json:"allowed_uids" yaml:"allowed_uids"`
}

// HTTPConfig holds the loopback status API configuration.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// DeviceConfig selects the device drivers and helper commands. Helper
// commands are argv lists; "{path}", "{level}" and "{pattern}" are
// substituted at run time.
type DeviceConfig struct {
	// Driver is "dbus" for ModemManager, GeoClue2, logind and
	// NetworkManager, or "none" to run without device access.
	Driver string `toml:"driver" json:"driver" yaml:"driver"`

	CameraCommand       []string `toml:"camera_command" json:"camera_command" yaml:"camera_command"`
	SirenCommand        []string `toml:"siren_command" json:"siren_command" yaml:"siren_command"`
	VolumeGetCommand    []string `toml:"volume_get_command" json:"volume_get_command" yaml:"volume_get_command"`
	VolumeSetCommand    []string `toml:"volume_set_command" json:"volume_set_command" yaml:"volume_set_command"`
	MaxVolume           int      `toml:"max_volume" json:"max_volume" yaml:"max_volume"`
	VibrateCommand      []string `toml:"vibrate_command" json:"vibrate_command" yaml:"vibrate_command"`
	WipeCommand         []string `toml:"wipe_command" json:"wipe_command" yaml:"wipe_command"`
	FakeShutdownCommand []string `toml:"fake_shutdown_command" json:"fake_shutdown_command" yaml:"fake_shutdown_command"`
	CollapseCommand     []string `toml:"collapse_command" json:"collapse_command" yaml:"collapse_command"`
	HomeCommand         []string `toml:"home_command" json:"home_command" yaml:"home_command"`
	BackCommand         []string `toml:"back_command" json:"back_command" yaml:"back_command"`
}

// RateLimitConfig bounds repeated authorization failures per sender.
type RateLimitConfig struct {
	MaxFailures  int `toml:"max_failures" json:"max_failures" yaml:"max_failures"`
	BaseDelayMs  int `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelaySec  int `toml:"max_delay_sec" json:"max_delay_sec" yaml:"max_delay_sec"`
	LockMinutes  int `toml:"lock_minutes" json:"lock_minutes" yaml:"lock_minutes"`
	ResetMinutes int `toml:"reset_minutes" json:"reset_minutes" yaml:"reset_minutes"`
}

// CommandsConfig holds command execution settings.
type CommandsConfig struct {
	LocateTimeoutSec    int             `toml:"locate_timeout_sec" json:"locate_timeout_sec" yaml:"locate_timeout_sec"`
	FixFreshnessSec     int             `toml:"fix_freshness_sec" json:"fix_freshness_sec" yaml:"fix_freshness_sec"`
	ReassemblyWindowSec int             `toml:"reassembly_window_sec" json:"reassembly_window_sec" yaml:"reassembly_window_sec"`
	RateLimit           RateLimitConfig `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
}

// TamperConfig holds tamper detection settings.
type TamperConfig struct {
	// UnlockThreshold is the failed unlock count that triggers a capture.
	UnlockThreshold int `toml:"unlock_threshold" json:"unlock_threshold" yaml:"unlock_threshold"`

	ReversalAttempts  int `toml:"reversal_attempts" json:"reversal_attempts" yaml:"reversal_attempts"`
	ReversalBackoffMs int `toml:"reversal_backoff_ms" json:"reversal_backoff_ms" yaml:"reversal_backoff_ms"`
	ShutdownAttempts  int `toml:"shutdown_attempts" json:"shutdown_attempts" yaml:"shutdown_attempts"`
	ShutdownAllowSec  int `toml:"shutdown_allow_sec" json:"shutdown_allow_sec" yaml:"shutdown_allow_sec"`
	ShadeDebounceMs   int `toml:"shade_debounce_ms" json:"shade_debounce_ms" yaml:"shade_debounce_ms"`

	// IntruderLocation is "none", "last_known" or "fresh".
	IntruderLocation string `toml:"intruder_location" json:"intruder_location" yaml:"intruder_location"`

	PowerKeywords []string `toml:"power_keywords" json:"power_keywords" yaml:"power_keywords"`
	ShadePackages []string `toml:"shade_packages" json:"shade_packages" yaml:"shade_packages"`
	ShadeClasses  []string `toml:"shade_classes" json:"shade_classes" yaml:"shade_classes"`
}

// LedgerConfig holds command ledger retention.
type LedgerConfig struct {
	// RetentionDays removes entries older than this; 0 keeps everything.
	RetentionDays      int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
	PurgeIntervalHours int `toml:"purge_interval_hours" json:"purge_interval_hours" yaml:"purge_interval_hours"`
}

// UpdateConfig holds the version check settings.
type UpdateConfig struct {
	Enabled            bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ManifestURL        string `toml:"manifest_url" json:"manifest_url" yaml:"manifest_url"`
	CheckIntervalHours int    `toml:"check_interval_hours" json:"check_interval_hours" yaml:"check_interval_hours"`
	TimeoutSec         int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	DownloadDir        string `toml:"download_dir" json:"download_dir" yaml:"download_dir"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:          paths.DatabaseFile,
			KeyPath:       paths.KeyFile,
			IntruderDir:   paths.IntruderDir,
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   paths.LogFile,
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   paths.AuditFile,
			MaxSizeMB:  10,
			MaxAgeDays: 365,
			MaxBackups: 10,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8787",
		},
		Device: DeviceConfig{
			Driver:           "dbus",
			CameraCommand:    []string{"fswebcam", "--no-banner", "-q", "{path}"},
			SirenCommand:     []string{"paplay", "/usr/share/sounds/freedesktop/stereo/alarm-clock-elapsed.oga"},
			VolumeGetCommand: []string{"pactl", "get-sink-volume", "@DEFAULT_SINK@"},
			VolumeSetCommand: []string{"pactl", "set-sink-volume", "@DEFAULT_SINK@", "{level}%"},
			MaxVolume:        100,
			VibrateCommand:   []string{"fbcli", "-E", "{pattern}"},
		},
		Commands: CommandsConfig{
			LocateTimeoutSec:    30,
			FixFreshnessSec:     60,
			ReassemblyWindowSec: 300,
			RateLimit: RateLimitConfig{
				MaxFailures:  5,
				BaseDelayMs:  1000,
				MaxDelaySec:  300,
				LockMinutes:  15,
				ResetMinutes: 60,
			},
		},
		Tamper: TamperConfig{
			UnlockThreshold:   1,
			ReversalAttempts:  3,
			ReversalBackoffMs: 2000,
			ShutdownAttempts:  3,
			ShutdownAllowSec:  30,
			ShadeDebounceMs:   500,
			IntruderLocation:  "last_known",
			PowerKeywords:     DefaultPowerKeywords(),
			ShadePackages:     DefaultShadePackages(),
			ShadeClasses:      DefaultShadeClasses(),
		},
		Ledger: LedgerConfig{
			RetentionDays:      90,
			PurgeIntervalHours: 24,
		},
		Update: UpdateConfig{
			Enabled:            false,
			CheckIntervalHours: 24,
			TimeoutSec:         5,
			DownloadDir:        filepath.Join(paths.DataDir, "updates"),
		},
	}
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return GetDefaultPaths().ConfigFile
}

// DataDir returns the data directory, honoring SECURETRACK_DATA_DIR.
func DataDir() string {
	if dir := os.Getenv("SECURETRACK_DATA_DIR"); dir != "" {
		return dir
	}
	return PlatformDataDir()
}

// Load reads the config at path, or the default path when empty, and
// applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories that hold daemon files.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Storage.KeyPath),
		c.Storage.IntruderDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.FilePath))
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies SECURETRACK_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SECURETRACK_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SECURETRACK_KEY_PATH"); v != "" {
		c.Storage.KeyPath = v
	}
	if v := os.Getenv("SECURETRACK_INTRUDER_DIR"); v != "" {
		c.Storage.IntruderDir = v
	}
	if v := os.Getenv("SECURETRACK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SECURETRACK_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SECURETRACK_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("SECURETRACK_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("SECURETRACK_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
		c.HTTP.Enabled = true
	}
	if v := os.Getenv("SECURETRACK_DEVICE_DRIVER"); v != "" {
		c.Device.Driver = v
	}
	if v := os.Getenv("SECURETRACK_UPDATE_URL"); v != "" {
		c.Update.ManifestURL = v
		c.Update.Enabled = true
	}
	if v := os.Getenv("SECURETRACK_UNLOCK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tamper.UnlockThreshold = n
		}
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.IPC.AllowedUIDs = append([]int(nil), c.IPC.AllowedUIDs...)
	clone.Tamper.PowerKeywords = append([]string(nil), c.Tamper.PowerKeywords...)
	clone.Tamper.ShadePackages = append([]string(nil), c.Tamper.ShadePackages...)
	clone.Tamper.ShadeClasses = append([]string(nil), c.Tamper.ShadeClasses...)

	d := &clone.Device
	for _, cmd := range []*[]string{
		&d.CameraCommand, &d.SirenCommand, &d.VolumeGetCommand, &d.VolumeSetCommand,
		&d.VibrateCommand, &d.WipeCommand, &d.FakeShutdownCommand,
		&d.CollapseCommand, &d.HomeCommand, &d.BackCommand,
	} {
		*cmd = append([]string(nil), (*cmd)...)
	}
	return &clone
}

// LocateTimeout returns the fresh-fix timeout.
func (c CommandsConfig) LocateTimeout() time.Duration {
	return time.Duration(c.LocateTimeoutSec) * time.Second
}

// FixFreshness returns the maximum age of a cached fix used directly.
func (c CommandsConfig) FixFreshness() time.Duration {
	return time.Duration(c.FixFreshnessSec) * time.Second
}

// ReassemblyWindow returns how long partial multipart messages are kept.
func (c CommandsConfig) ReassemblyWindow() time.Duration {
	return time.Duration(c.ReassemblyWindowSec) * time.Second
}

// ReversalBackoff returns the pause between airplane reversal attempts.
func (t TamperConfig) ReversalBackoff() time.Duration {
	return time.Duration(t.ReversalBackoffMs) * time.Millisecond
}

// ShutdownAllowWindow returns how long shutdown stays allowed after a
// correct PIN.
func (t TamperConfig) ShutdownAllowWindow() time.Duration {
	return time.Duration(t.ShutdownAllowSec) * time.Second
}

// ShadeDebounce returns the minimum spacing between shade collapses.
func (t TamperConfig) ShadeDebounce() time.Duration {
	return time.Duration(t.ShadeDebounceMs) * time.Millisecond
}

// Retention returns the ledger retention, zero meaning forever.
func (l LedgerConfig) Retention() time.Duration {
	return time.Duration(l.RetentionDays) * 24 * time.Hour
}

// PurgeInterval returns how often the ledger is purged.
func (l LedgerConfig) PurgeInterval() time.Duration {
	return time.Duration(l.PurgeIntervalHours) * time.Hour
}

// CheckInterval returns the update check period.
func (u UpdateConfig) CheckInterval() time.Duration {
	return time.Duration(u.CheckIntervalHours) * time.Hour
}

// Timeout returns the update request timeout.
func (u UpdateConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSec) * time.Second
}

// Timeout returns the per-connection IPC timeout.
func (i IPCConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSec) * time.Second
}

// FileMode parses Permissions.
func (i IPCConfig) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(i.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parse permissions %q: %w", i.Permissions, err)
	}
	return os.FileMode(mode), nil
}

// ErrNoConfig is returned by LoadStrict when the file does not exist.
var ErrNoConfig = errors.New("config: file not found")

// LoadStrict is Load without the defaults fallback for a missing file.
func LoadStrict(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}
	return Load(path)
}

// Encode renders cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode TOML: %w", err)
	}
	return buf.Bytes(), nil
}
