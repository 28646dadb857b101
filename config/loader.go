package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is searched for in the working directory and
	// its parents.
	ProjectConfigFile = "zeroclaw.yaml"

	userConfigDir  = ".config/zeroclaw"
	userConfigFile = "config.yaml"
)

// Loader resolves configuration with layered precedence: defaults,
// then the user config (~/.config/zeroclaw/config.yaml), then a
// project-level zeroclaw.yaml, then environment variables.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load returns the layered, validated configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := l.userConfigPath(); path != "" {
		if userCfg, err := LoadFromFile(path); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", path))
			cfg = userCfg
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	if path := l.findProjectConfig(); path != "" {
		projCfg, err := LoadFromFile(path)
		if err != nil {
			l.logger.Warn("Failed to load project config",
				slog.String("path", path), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", path))
			cfg = projCfg
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureUserConfig writes a default user config file on first run.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Created default user config", slog.String("path", path))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, userConfigDir, userConfigFile)
}

// findProjectConfig walks from the working directory to the
// filesystem root looking for ProjectConfigFile.
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
