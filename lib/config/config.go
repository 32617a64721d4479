// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Build-time defaults, set with -ldflags "-X
// github.com/tamatebako/tebako/lib/config.DefaultEntryPoint=/local/app.rb".
var (
	// DefaultMountPoint is where the image is mounted. Expanded after
	// loading.
	DefaultMountPoint = "${TMPDIR:-/tmp}/tebako-${PID}"

	// DefaultEntryPoint is the image path of the script to run.
	DefaultEntryPoint = "/local/main.rb"

	// DefaultInterpreter is the program to execute: an image path
	// when absolute, otherwise looked up on PATH.
	DefaultInterpreter = "/bin/ruby"

	// DefaultHost names the interpreter dialect used for extract
	// scripts: "ruby" or "sh".
	DefaultHost = "ruby"

	// DefaultMountOptions is the built-in mount option string.
	DefaultMountOptions = ""
)

// ConfigEnv names the configuration file.
const ConfigEnv = "TEBAKO_CONFIG"

// MountOptionsEnv is appended to the configured mount options.
const MountOptionsEnv = "TEBAKO_MOUNT_OPTIONS"

// Config is the runtime configuration of a packaged executable.
type Config struct {
	// MountPoint is the directory the image is served at.
	MountPoint string `yaml:"mount_point" json:"mount_point"`

	// EntryPoint is the image-absolute path passed to the
	// interpreter as its script.
	EntryPoint string `yaml:"entry_point" json:"entry_point"`

	// Interpreter is the program executed with the rewritten
	// arguments.
	Interpreter string `yaml:"interpreter" json:"interpreter"`

	// Host selects the extract script dialect.
	Host string `yaml:"host" json:"host"`

	// MountOptions is a comma-separated key[=value] list.
	MountOptions string `yaml:"mount_options" json:"mount_options"`

	// KeepMountPoint leaves the mount point directory in place after
	// unmounting. By default a directory the runtime created is
	// removed.
	KeepMountPoint bool `yaml:"keep_mount_point" json:"keep_mount_point"`
}

// Default returns the build-time defaults, unexpanded.
func Default() *Config {
	return &Config{
		MountPoint:   DefaultMountPoint,
		EntryPoint:   DefaultEntryPoint,
		Interpreter:  DefaultInterpreter,
		Host:         DefaultHost,
		MountOptions: DefaultMountOptions,
	}
}

// Load reads the file named by TEBAKO_CONFIG, or uses the defaults
// when it is unset, then applies TEBAKO_MOUNT_OPTIONS.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnv)
	if configPath == "" {
		cfg := Default()
		cfg.finish()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.finish()
	return cfg, nil
}

func (c *Config) finish() {
	c.MountOptions = JoinOptions(c.MountOptions, os.Getenv(MountOptionsEnv))
	c.expandVariables()
}

// loadFile decodes a single file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config file %s: unknown extension (want .yaml, .yml, .json or .jsonc)", path)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in the mount
// point.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"PID":    strconv.Itoa(os.Getpid()),
		"TMPDIR": os.TempDir(),
	}
	c.MountPoint = expandVars(c.MountPoint, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// JoinOptions concatenates option strings with commas, skipping empty
// ones.
func JoinOptions(specs ...string) string {
	var parts []string
	for _, spec := range specs {
		spec = strings.Trim(strings.TrimSpace(spec), ",")
		if spec != "" {
			parts = append(parts, spec)
		}
	}
	return strings.Join(parts, ",")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.MountPoint == "" {
		errs = append(errs, errors.New("mount_point is required"))
	} else if !filepath.IsAbs(c.MountPoint) {
		errs = append(errs, fmt.Errorf("mount_point %q must be absolute", c.MountPoint))
	}

	if !strings.HasPrefix(c.EntryPoint, "/") || path.Clean(c.EntryPoint) == "/" {
		errs = append(errs, fmt.Errorf("entry_point %q must be an absolute file path inside the image", c.EntryPoint))
	}

	if c.Interpreter == "" {
		errs = append(errs, errors.New("interpreter is required"))
	}

	switch c.Host {
	case "ruby", "sh", "shell":
	default:
		errs = append(errs, fmt.Errorf("host must be one of: [ruby sh], got %q", c.Host))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// InterpreterPath returns the program to execute given the live mount
// point: image paths are resolved under it, bare names on PATH are
// returned unchanged for exec.LookPath.
func (c *Config) InterpreterPath(mountpoint string) string {
	if strings.HasPrefix(c.Interpreter, "/") {
		return filepath.Join(mountpoint, c.Interpreter)
	}
	return c.Interpreter
}
