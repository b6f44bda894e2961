package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, v := range e {
		fields = append(fields, v.Field)
	}
	return fields
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig checks every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	validateStorage(&c.Storage, &errs)
	validateLogging(&c.Logging, &errs)
	validateAudit(&c.Audit, &errs)
	validateIPC(&c.IPC, &errs)
	validateHTTP(&c.HTTP, &errs)
	validateDevice(&c.Device, &errs)
	validateCommands(&c.Commands, &errs)
	validateTamper(&c.Tamper, &errs)
	validateLedger(&c.Ledger, &errs)
	validateUpdate(&c.Update, &errs)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig, errs *ValidationErrors) {
	if s.Path == "" {
		errs.add("storage.path", "database path is required")
	} else {
		dir := filepath.Dir(expandPath(s.Path))
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			errs.add("storage.path", "parent path is not a directory: %s", dir)
		}
	}
	if s.KeyPath == "" {
		errs.add("storage.key_path", "key path is required")
	}
	if s.IntruderDir == "" {
		errs.add("storage.intruder_dir", "intruder directory is required")
	}
	if s.BusyTimeoutMs < 0 {
		errs.add("storage.busy_timeout_ms", "busy timeout cannot be negative")
	}
}

func validateLogging(l *LoggingConfig, errs *ValidationErrors) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs.add("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		errs.add("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "file path is required when output is %q", l.Output)
		}
	default:
		errs.add("logging.output", "invalid log output: %s (valid: stdout, stderr, file, both)", l.Output)
	}
	if l.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.add("logging.max_age_days", "max age cannot be negative")
	}
}

func validateAudit(a *AuditConfig, errs *ValidationErrors) {
	if !a.Enabled {
		return
	}
	if a.FilePath == "" {
		errs.add("audit.file_path", "file path is required when audit is enabled")
	}
	if a.MaxSizeMB < 1 {
		errs.add("audit.max_size_mb", "max size must be at least 1 MB")
	}
}

var octalMode = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig, errs *ValidationErrors) {
	if !i.Enabled {
		return
	}
	if i.SocketPath == "" {
		errs.add("ipc.socket_path", "socket path is required when IPC is enabled")
	}
	if !octalMode.MatchString(i.Permissions) {
		errs.add("ipc.permissions", "invalid permissions format: %s (expected octal like 0600)", i.Permissions)
	}
	if i.MaxConnections < 1 {
		errs.add("ipc.max_connections", "max connections must be at least 1")
	}
	if i.TimeoutSec < 1 {
		errs.add("ipc.timeout_sec", "timeout must be at least 1 second")
	}
	for n, uid := range i.AllowedUIDs {
		if uid < 0 {
			errs.add(fmt.Sprintf("ipc.allowed_uids[%d]", n), "uid cannot be negative")
		}
	}
}

func validateHTTP(h *HTTPConfig, errs *ValidationErrors) {
	if !h.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(h.Listen)
	if err != nil {
		errs.add("http.listen", "invalid listen address %q: %v", h.Listen, err)
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		errs.add("http.listen", "status API must listen on a loopback address, got %q", host)
	}
}

func validateDevice(d *DeviceConfig, errs *ValidationErrors) {
	switch d.Driver {
	case "dbus", "none":
	default:
		errs.add("device.driver", "invalid driver: %s (valid: dbus, none)", d.Driver)
	}
	if d.MaxVolume < 0 {
		errs.add("device.max_volume", "max volume cannot be negative")
	}
	if len(d.VolumeSetCommand) > 0 && !containsPlaceholder(d.VolumeSetCommand, "{level}") {
		errs.add("device.volume_set_command", "command must contain {level}")
	}
	if len(d.CameraCommand) > 0 && !containsPlaceholder(d.CameraCommand, "{path}") {
		errs.add("device.camera_command", "command must contain {path}")
	}
}

func containsPlaceholder(argv []string, p string) bool {
	for _, a := range argv {
		if strings.Contains(a, p) {
			return true
		}
	}
	return false
}

func validateCommands(c *CommandsConfig, errs *ValidationErrors) {
	if c.LocateTimeoutSec < 1 || c.LocateTimeoutSec > 600 {
		errs.add("commands.locate_timeout_sec", "must be between 1 and 600")
	}
	if c.FixFreshnessSec < 0 {
		errs.add("commands.fix_freshness_sec", "cannot be negative")
	}
	if c.ReassemblyWindowSec < 1 {
		errs.add("commands.reassembly_window_sec", "must be at least 1")
	}
	r := c.RateLimit
	if r.MaxFailures < 1 {
		errs.add("commands.rate_limit.max_failures", "must be at least 1")
	}
	if r.BaseDelayMs < 0 || r.MaxDelaySec < 0 || r.LockMinutes < 0 || r.ResetMinutes < 0 {
		errs.add("commands.rate_limit", "durations cannot be negative")
	}
}

func validateTamper(t *TamperConfig, errs *ValidationErrors) {
	if t.UnlockThreshold < 1 {
		errs.add("tamper.unlock_threshold", "must be at least 1")
	}
	if t.ReversalAttempts < 1 || t.ReversalAttempts > 10 {
		errs.add("tamper.reversal_attempts", "must be between 1 and 10")
	}
	if t.ReversalBackoffMs < 0 {
		errs.add("tamper.reversal_backoff_ms", "cannot be negative")
	}
	if t.ShutdownAttempts < 1 {
		errs.add("tamper.shutdown_attempts", "must be at least 1")
	}
	if t.ShutdownAllowSec < 1 {
		errs.add("tamper.shutdown_allow_sec", "must be at least 1")
	}
	if t.ShadeDebounceMs < 0 {
		errs.add("tamper.shade_debounce_ms", "cannot be negative")
	}
	switch t.IntruderLocation {
	case "none", "last_known", "fresh":
	default:
		errs.add("tamper.intruder_location", "invalid source: %s (valid: none, last_known, fresh)", t.IntruderLocation)
	}
	if len(t.PowerKeywords) == 0 {
		errs.add("tamper.power_keywords", "at least one keyword is required")
	}
}

func validateLedger(l *LedgerConfig, errs *ValidationErrors) {
	if l.RetentionDays < 0 {
		errs.add("ledger.retention_days", "cannot be negative")
	}
	if l.RetentionDays > 0 && l.PurgeIntervalHours < 1 {
		errs.add("ledger.purge_interval_hours", "must be at least 1 when retention is set")
	}
}

func validateUpdate(u *UpdateConfig, errs *ValidationErrors) {
	if !u.Enabled {
		return
	}
	if !isValidURL(u.ManifestURL) {
		errs.add("update.manifest_url", "invalid URL: %q", u.ManifestURL)
	}
	if u.CheckIntervalHours < 1 {
		errs.add("update.check_interval_hours", "must be at least 1")
	}
	if u.TimeoutSec < 1 {
		errs.add("update.timeout_sec", "must be at least 1")
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
