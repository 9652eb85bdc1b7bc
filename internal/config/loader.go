// Package config loads, validates and hot-reloads the devpipeline
// configuration document.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override the files.
const EnvPrefix = "DEVPIPE_"

const maxConfigFileSize = 1024 * 1024

// Top-level keys that contain an underscore and must not be split into
// section and field.
var topLevelKeys = map[string]bool{
	"task_timeout": true,
}

// DefaultPaths returns the conventional global and project config paths.
// Global: ~/.devpipeline/config.yaml
// Project: .devpipeline/config.yaml (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".devpipeline", "config.yaml"), filepath.Join(".devpipeline", "config.yaml"), nil
}

// Load reads and merges configuration, then validates it.
//
// Order of precedence (highest to lowest): environment (DEVPIPE_SECTION_FIELD),
// project file, global file, defaults. Missing files are not errors; malformed
// YAML is. Maps merge key by key; lists replace the lower layer wholesale.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg, err := load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

func load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	// Defaults go through the same parser as the files so later layers
	// replace lists instead of merging into them element by element
	defaults, err := yamlv3.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshaling defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	for _, layer := range []struct{ name, path string }{
		{"global", globalPath},
		{"project", projectPath},
	} {
		if layer.path == "" {
			continue
		}
		if err := loadFile(k, layer.path); err != nil {
			return nil, fmt.Errorf("loading %s config: %w", layer.name, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%s too large: %d bytes (max %d)", path, info.Size(), maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// envKey maps DEVPIPE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}
