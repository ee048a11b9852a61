package am

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	burnt "github.com/BurntSushi/toml"
	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/imgbatch/errors"
)

// ProjectConfigName is the per-project config file found by upward search
const ProjectConfigName = "imgbatch.toml"

// createBackup creates rotating backups (.back1, .back2, .back3) before overwriting a config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// Marshal renders a configuration as TOML
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// WriteFile writes cfg to path as TOML, rotating backups of any existing file
func WriteFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}

	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}

// UnknownKeys reports keys in a TOML file that do not map to any configuration field.
// Viper ignores such keys silently, so a misspelt option would otherwise go unnoticed.
func UnknownKeys(path string) ([]string, error) {
	var cfg Config
	meta, err := burnt.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}

	var keys []string
	for _, key := range meta.Undecoded() {
		keys = append(keys, key.String())
	}
	sort.Strings(keys)
	return keys, nil
}

// Check loads path, validates it and reports unknown keys as an error
func Check(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	unknown, err := UnknownKeys(path)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		err := errors.Newf("%d unknown key(s) in %s", len(unknown), path)
		for _, key := range unknown {
			err = errors.WithDetail(err, fmt.Sprintf("Unknown key: %s", key))
		}
		return cfg, errors.WithHint(err, "check spelling against `imgbatch am show`")
	}

	return cfg, cfg.Validate()
}
