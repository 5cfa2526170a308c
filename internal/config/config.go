package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/viper"
)

// Runtime backends for the sandbox launcher.
const (
	RuntimeCLI = "cli"
	RuntimeAPI = "api"
)

// Busy policies applied when a run is requested while another is active.
const (
	BusyReject  = "reject"
	BusyReplace = "replace"
)

// FilePlaceholder is substituted in language commands with the in-sandbox source path.
const FilePlaceholder = "{file}"

type ServerConfig struct {
	Port           int      `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type WorkspaceConfig struct {
	Root         string `mapstructure:"root" yaml:"root"`
	HostRoot     string `mapstructure:"host_root" yaml:"host_root"`
	SweepOnStart bool   `mapstructure:"sweep_on_start" yaml:"sweep_on_start"`
}

type SandboxConfig struct {
	Runtime         string        `mapstructure:"runtime" yaml:"runtime"`
	Binary          string        `mapstructure:"binary" yaml:"binary"`
	Memory          string        `mapstructure:"memory" yaml:"memory"`
	CPUs            float64       `mapstructure:"cpus" yaml:"cpus"`
	PidsLimit       int64         `mapstructure:"pids_limit" yaml:"pids_limit"`
	Network         bool          `mapstructure:"network" yaml:"network"`
	User            string        `mapstructure:"user" yaml:"user"`
	MountPath       string        `mapstructure:"mount_path" yaml:"mount_path"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	DefaultLanguage string        `mapstructure:"default_language" yaml:"default_language"`
}

// LanguageConfig describes how a submitted program of one language is run.
type LanguageConfig struct {
	Image    string `mapstructure:"image" yaml:"image"`
	Command  string `mapstructure:"command" yaml:"command"`
	Filename string `mapstructure:"filename" yaml:"filename"`
}

type RelayConfig struct {
	ChunkSize     int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	OutputBuffer  int           `mapstructure:"output_buffer" yaml:"output_buffer"`
	InputBuffer   int           `mapstructure:"input_buffer" yaml:"input_buffer"`
	AppendNewline bool          `mapstructure:"append_newline" yaml:"append_newline"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

type SessionConfig struct {
	BusyPolicy   string        `mapstructure:"busy_policy" yaml:"busy_policy"`
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
}

type Config struct {
	Server    ServerConfig              `mapstructure:"server" yaml:"server"`
	Log       LogConfig                 `mapstructure:"log" yaml:"log"`
	Workspace WorkspaceConfig           `mapstructure:"workspace" yaml:"workspace"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox" yaml:"sandbox"`
	Languages map[string]LanguageConfig `mapstructure:"languages" yaml:"languages"`
	Relay     RelayConfig               `mapstructure:"relay" yaml:"relay"`
	Session   SessionConfig             `mapstructure:"session" yaml:"session"`
}

// Load reads configuration from path, or from coderun.yaml in the working
// directory or $HOME/.coderun when path is empty. A missing file is not an
// error; every key has a default and can be overridden with CODERUN_* variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CODERUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderun")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("workspace.root", filepath.Join(os.TempDir(), "coderun"))
	v.SetDefault("workspace.host_root", "")
	v.SetDefault("workspace.sweep_on_start", true)

	v.SetDefault("sandbox.runtime", RuntimeCLI)
	v.SetDefault("sandbox.binary", "docker")
	v.SetDefault("sandbox.memory", "256m")
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.user", "")
	v.SetDefault("sandbox.mount_path", "/workspace")
	v.SetDefault("sandbox.timeout", 30*time.Second)
	v.SetDefault("sandbox.launch_timeout", 15*time.Second)
	v.SetDefault("sandbox.default_language", "python")

	v.SetDefault("languages", map[string]any{
		"python": map[string]any{
			"image":    "python:3.12-slim",
			"command":  "python3 -u " + FilePlaceholder,
			"filename": "main.py",
		},
		"javascript": map[string]any{
			"image":    "node:22-slim",
			"command":  "node " + FilePlaceholder,
			"filename": "main.js",
		},
		"ruby": map[string]any{
			"image":    "ruby:3.3-slim",
			"command":  "ruby " + FilePlaceholder,
			"filename": "main.rb",
		},
	})

	v.SetDefault("relay.chunk_size", 4096)
	v.SetDefault("relay.output_buffer", 64)
	v.SetDefault("relay.input_buffer", 16)
	v.SetDefault("relay.append_newline", true)
	v.SetDefault("relay.drain_timeout", 5*time.Second)

	v.SetDefault("session.busy_policy", BusyReject)
	v.SetDefault("session.close_timeout", 10*time.Second)
}

// Validate checks values that would otherwise fail at the first run.
func (c *Config) Validate() error {
	switch c.Sandbox.Runtime {
	case RuntimeCLI, RuntimeAPI:
	default:
		return fmt.Errorf("sandbox.runtime: unknown runtime %q", c.Sandbox.Runtime)
	}
	switch c.Session.BusyPolicy {
	case BusyReject, BusyReplace:
	default:
		return fmt.Errorf("session.busy_policy: unknown policy %q", c.Session.BusyPolicy)
	}
	if _, err := c.MemoryBytes(); err != nil {
		return fmt.Errorf("sandbox.memory: %w", err)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.Sandbox.LaunchTimeout <= 0 {
		return fmt.Errorf("sandbox.launch_timeout must be positive")
	}
	if !path.IsAbs(c.Sandbox.MountPath) {
		return fmt.Errorf("sandbox.mount_path must be absolute, got %q", c.Sandbox.MountPath)
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Relay.ChunkSize <= 0 || c.Relay.OutputBuffer <= 0 || c.Relay.InputBuffer <= 0 {
		return fmt.Errorf("relay buffer sizes must be positive")
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("no languages configured")
	}
	for name := range c.Languages {
		if _, _, err := c.Language(name); err != nil {
			return err
		}
	}
	if _, ok := c.Languages[c.Sandbox.DefaultLanguage]; !ok {
		return fmt.Errorf("sandbox.default_language: %q is not configured", c.Sandbox.DefaultLanguage)
	}
	return nil
}

// MemoryBytes parses the sandbox memory limit ("256m", "1g").
func (c *Config) MemoryBytes() (int64, error) {
	return units.RAMInBytes(c.Sandbox.Memory)
}

// Language resolves a language by name, falling back to the default language,
// and returns its config together with the argv to run inside the sandbox.
func (c *Config) Language(name string) (LanguageConfig, []string, error) {
	if name == "" {
		name = c.Sandbox.DefaultLanguage
	}
	lang, ok := c.Languages[strings.ToLower(name)]
	if !ok {
		return LanguageConfig{}, nil, fmt.Errorf("unknown language: %s (available: %s)",
			name, strings.Join(c.LanguageNames(), ", "))
	}
	if lang.Image == "" || lang.Command == "" || lang.Filename == "" {
		return LanguageConfig{}, nil, fmt.Errorf("language %s: image, command and filename are required", name)
	}

	argv, err := shellwords.Parse(lang.Command)
	if err != nil {
		return LanguageConfig{}, nil, fmt.Errorf("language %s: parsing command: %w", name, err)
	}
	if len(argv) == 0 {
		return LanguageConfig{}, nil, fmt.Errorf("language %s: empty command", name)
	}

	file := path.Join(c.Sandbox.MountPath, lang.Filename)
	for i, arg := range argv {
		argv[i] = strings.ReplaceAll(arg, FilePlaceholder, file)
	}
	return lang, argv, nil
}

// LanguageNames returns configured language names in sorted order.
func (c *Config) LanguageNames() []string {
	names := make([]string, 0, len(c.Languages))
	for name := range c.Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
