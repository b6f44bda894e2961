package config

import (
	"os"
	"path/filepath"
	"strconv"
)

const appName = "securetrack"

// System-wide locations used when the daemon runs as root.
const (
	systemDataDir    = "/var/lib/securetrack"
	systemConfigDir  = "/etc/securetrack"
	systemRuntimeDir = "/run/securetrack"
)

func isRoot() bool { return os.Geteuid() == 0 }

// PlatformDataDir returns the data directory.
//
//   - root:  /var/lib/securetrack
//   - users: $XDG_DATA_HOME/securetrack or ~/.local/share/securetrack
func PlatformDataDir() string {
	if isRoot() {
		return systemDataDir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

// PlatformConfigDir returns the directory searched for config files.
func PlatformConfigDir() string {
	if isRoot() {
		return systemConfigDir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return PlatformDataDir()
	}
	return filepath.Join(home, ".config", appName)
}

// PlatformRuntimeDir returns the directory for the control socket.
func PlatformRuntimeDir() string {
	if isRoot() {
		return systemRuntimeDir
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

// DefaultPaths lists the default file locations.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	RuntimeDir string

	ConfigFile   string
	DatabaseFile string
	KeyFile      string
	IntruderDir  string
	LogFile      string
	AuditFile    string
	SocketPath   string
}

// GetDefaultPaths returns the default paths for the current user.
func GetDefaultPaths() *DefaultPaths {
	data := DataDir()
	cfg := PlatformConfigDir()
	run := PlatformRuntimeDir()
	return &DefaultPaths{
		DataDir:      data,
		ConfigDir:    cfg,
		RuntimeDir:   run,
		ConfigFile:   filepath.Join(cfg, "config.toml"),
		DatabaseFile: filepath.Join(data, "securetrack.db"),
		KeyFile:      filepath.Join(data, "prefs.key"),
		IntruderDir:  filepath.Join(data, "intruders"),
		LogFile:      filepath.Join(data, "logs", "securetrack.log"),
		AuditFile:    filepath.Join(data, "logs", "audit.log"),
		SocketPath:   filepath.Join(run, "securetrack.sock"),
	}
}

// DefaultPowerKeywords lists text that identifies a power menu.
func DefaultPowerKeywords() []string {
	return []string{"power off", "shut down", "restart", "emergency mode"}
}

// DefaultShadePackages lists the shell packages that own the notification
// shade.
func DefaultShadePackages() []string {
	return []string{"com.android.systemui", "sm.puri.phosh"}
}

// DefaultShadeClasses lists the window classes of the notification shade.
func DefaultShadeClasses() []string {
	return []string{"StatusBarWindowView", "NotificationShadeWindowView", "PhoneStatusBarView", "FrameLayout"}
}

// SupportedConfigFormats returns the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, then the config
// directory, then the data directory. It returns "" when nothing is found.
func FindConfigFile() string {
	paths := GetDefaultPaths()
	for _, dir := range []string{".", paths.ConfigDir, paths.DataDir} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
