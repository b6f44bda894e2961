package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult describes a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades cfg in place to Version, backing up configPath
// first when it exists. It returns a nil result when nothing changed.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 0, 1:
		changes, warnings = migrateV1ToV2(cfg)
		cfg.Version = 2
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	return changes, warnings, nil
}

// migrateV1ToV2 fills the settings version 1 did not have: the intruder
// location source, the classifier keyword tables and ledger purging.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	t := &cfg.Tamper
	if t.IntruderLocation == "" {
		t.IntruderLocation = "last_known"
		changes = append(changes, "tamper.intruder_location set to last_known")
	}
	if len(t.PowerKeywords) == 0 {
		t.PowerKeywords = DefaultPowerKeywords()
		changes = append(changes, "tamper.power_keywords set to defaults")
	}
	if len(t.ShadePackages) == 0 {
		t.ShadePackages = DefaultShadePackages()
		changes = append(changes, "tamper.shade_packages set to defaults")
	}
	if len(t.ShadeClasses) == 0 {
		t.ShadeClasses = DefaultShadeClasses()
		changes = append(changes, "tamper.shade_classes set to defaults")
	}
	if cfg.Ledger.PurgeIntervalHours == 0 && cfg.Ledger.RetentionDays > 0 {
		cfg.Ledger.PurgeIntervalHours = 24
		changes = append(changes, "ledger.purge_interval_hours set to 24")
	}
	if t.UnlockThreshold == 0 {
		t.UnlockThreshold = 1
		warnings = append(warnings, "tamper.unlock_threshold was 0; captures now start at the first failure")
	}
	return changes, warnings
}

// backupConfig copies the config file next to itself with a timestamp.
func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// MigrateFile loads path, migrates it and writes it back.
func MigrateFile(path string) (*MigrationResult, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	result, err := MigrateConfig(cfg, path)
	if err != nil || result == nil {
		return result, err
	}
	if err := SaveConfig(cfg, path); err != nil {
		return result, err
	}
	return result, nil
}

// SaveConfig writes cfg in the format implied by the extension, TOML by
// default, with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = Encode(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
