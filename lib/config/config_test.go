// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.EntryPoint != "/local/main.rb" {
		t.Errorf("expected entry_point=/local/main.rb, got %s", cfg.EntryPoint)
	}
	if cfg.Interpreter != "/bin/ruby" {
		t.Errorf("expected interpreter=/bin/ruby, got %s", cfg.Interpreter)
	}
	if cfg.Host != "ruby" {
		t.Errorf("expected host=ruby, got %s", cfg.Host)
	}
	if !strings.Contains(cfg.MountPoint, "${PID}") {
		t.Errorf("expected an unexpanded mount point, got %s", cfg.MountPoint)
	}
}

func TestLoad_WithoutConfigUsesDefaults(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	t.Setenv(MountOptionsEnv, "")
	t.Setenv("TMPDIR", "/var/tmp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := "/var/tmp/tebako-" + strconv.Itoa(os.Getpid())
	if cfg.MountPoint != want {
		t.Errorf("expected mount_point=%s, got %s", want, cfg.MountPoint)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestLoad_WithTebakoConfig(t *testing.T) {
	configPath := writeConfig(t, "tebako.yaml", `
mount_point: /run/app
entry_point: /local/app.rb
mount_options: cachesize=64M
`)
	t.Setenv(ConfigEnv, configPath)
	t.Setenv(MountOptionsEnv, "workers=8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.MountPoint != "/run/app" {
		t.Errorf("expected mount_point=/run/app, got %s", cfg.MountPoint)
	}
	if cfg.EntryPoint != "/local/app.rb" {
		t.Errorf("expected entry_point=/local/app.rb, got %s", cfg.EntryPoint)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Interpreter != DefaultInterpreter {
		t.Errorf("expected interpreter=%s, got %s", DefaultInterpreter, cfg.Interpreter)
	}
	if cfg.MountOptions != "cachesize=64M,workers=8" {
		t.Errorf("expected env options appended, got %q", cfg.MountOptions)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	configPath := writeConfig(t, "tebako.jsonc", `{
	// Served from a fixed directory.
	"mount_point": "/srv/tebako",
	"interpreter": "sh",
	"host": "sh",
	"keep_mount_point": true,
}`)
	t.Setenv(MountOptionsEnv, "")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.MountPoint != "/srv/tebako" {
		t.Errorf("expected mount_point=/srv/tebako, got %s", cfg.MountPoint)
	}
	if cfg.Host != "sh" || cfg.Interpreter != "sh" {
		t.Errorf("expected sh host and interpreter, got %s/%s", cfg.Host, cfg.Interpreter)
	}
	if !cfg.KeepMountPoint {
		t.Error("expected keep_mount_point=true")
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFile(writeConfig(t, "tebako.toml", "mount_point = 1")); err == nil {
		t.Error("expected error for unknown extension")
	}
	if _, err := LoadFile(writeConfig(t, "tebako.yaml", "mount_point: [unterminated")); err == nil {
		t.Error("expected error for malformed YAML")
	}
	if _, err := LoadFile(writeConfig(t, "tebako.json", `{"mount_point": 3}`)); err == nil {
		t.Error("expected error for mistyped JSON field")
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${TMPDIR}/tebako-${PID}",
			vars:     map[string]string{"TMPDIR": "/tmp", "PID": "42"},
			expected: "/tmp/tebako-42",
		},
		{
			input:    "${TEBAKO_TEST_MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestJoinOptions(t *testing.T) {
	tests := []struct {
		specs    []string
		expected string
	}{
		{nil, ""},
		{[]string{"", ""}, ""},
		{[]string{"workers=4", ""}, "workers=4"},
		{[]string{"", "mlock=try"}, "mlock=try"},
		{[]string{"workers=4,", " ,readonly"}, "workers=4,readonly"},
	}
	for _, tt := range tests {
		if got := JoinOptions(tt.specs...); got != tt.expected {
			t.Errorf("JoinOptions(%q) = %q, want %q", tt.specs, got, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			MountPoint:  "/tmp/tebako-1",
			EntryPoint:  "/local/main.rb",
			Interpreter: "/bin/ruby",
			Host:        "ruby",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty mount point", func(c *Config) { c.MountPoint = "" }, "mount_point is required"},
		{"relative mount point", func(c *Config) { c.MountPoint = "mnt" }, "must be absolute"},
		{"relative entry point", func(c *Config) { c.EntryPoint = "main.rb" }, "entry_point"},
		{"root entry point", func(c *Config) { c.EntryPoint = "/" }, "entry_point"},
		{"no interpreter", func(c *Config) { c.Interpreter = "" }, "interpreter is required"},
		{"unknown host", func(c *Config) { c.Host = "python" }, "host must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInterpreterPath(t *testing.T) {
	cfg := &Config{Interpreter: "/bin/ruby"}
	if got := cfg.InterpreterPath("/tmp/mnt"); got != "/tmp/mnt/bin/ruby" {
		t.Errorf("InterpreterPath = %s, want /tmp/mnt/bin/ruby", got)
	}
	cfg.Interpreter = "ruby"
	if got := cfg.InterpreterPath("/tmp/mnt"); got != "ruby" {
		t.Errorf("InterpreterPath = %s, want ruby", got)
	}
}
