// Package config provides configuration management for Lares.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with LARES_ prefix, plus the documented
//     MCP_* / INVENTORY_* / ANSIBLE_* variables bound explicitly)
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, ~/.lares/config.yaml, /etc/lares/config.yaml)
//  3. Environment variables
//
// # Environment Variables
//
// Nested keys use the LARES_ prefix with underscores:
//   - LARES_HTTP_PORT=8420
//   - LARES_SSH_MANAGED_USER=mcp_admin
//
// A handful of well-known variables are additionally bound without the prefix:
// MCP_SERVER_NAME, MCP_SERVER_VERSION, LOG_LEVEL, DEBUG, INVENTORY_PATH,
// INVENTORY_STALENESS_HOURS, ANSIBLE_HOST_KEY_CHECKING, ANSIBLE_INVENTORY_PATH.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for Lares.
type Config struct {
	// Server contains MCP server identity and runtime settings
	Server ServerConfig `mapstructure:"server"`

	// HTTP contains the streamable HTTP transport settings
	HTTP HTTPConfig `mapstructure:"http"`

	// WebSocket contains the WebSocket transport settings
	WebSocket WebSocketConfig `mapstructure:"websocket"`

	// Stdio contains the stdio transport settings
	Stdio StdioConfig `mapstructure:"stdio"`

	// Inventory contains the device store settings
	Inventory InventoryConfig `mapstructure:"inventory"`

	// SSH contains the SSH executor settings
	SSH SSHConfig `mapstructure:"ssh"`

	// Templates contains the service template engine settings
	Templates TemplatesConfig `mapstructure:"templates"`

	// Installer contains service installation settings
	Installer InstallerConfig `mapstructure:"installer"`

	// Terraform contains the terraform driver settings
	Terraform TerraformConfig `mapstructure:"terraform"`

	// Ansible contains ansible-playbook invocation settings
	Ansible AnsibleConfig `mapstructure:"ansible"`

	// Credentials contains the credential store settings
	Credentials CredentialsConfig `mapstructure:"credentials"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains MCP server identity and runtime settings.
type ServerConfig struct {
	// Name is the server name advertised in the initialize response
	Name string `mapstructure:"name"`

	// Version is the server version advertised in the initialize response
	Version string `mapstructure:"version"`

	// Debug enables debug logging and verbose diagnostics
	Debug bool `mapstructure:"debug"`

	// ShutdownGrace is how long in-flight handlers may finish on shutdown
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// ToolTimeout is the overall per-tool-call deadline
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

// HTTPConfig contains the streamable HTTP transport settings.
type HTTPConfig struct {
	// Enabled turns the HTTP transport on
	Enabled bool `mapstructure:"enabled"`

	// Host is the bind address
	Host string `mapstructure:"host"`

	// Port is the listen port
	Port int `mapstructure:"port"`

	// Stateless treats every request as its own initialized session,
	// ignoring Mcp-Session-Id headers. Chosen at startup for the whole
	// instance; default on.
	Stateless bool `mapstructure:"stateless"`

	// RateLimit is the maximum requests per second per client (0 disables)
	RateLimit int `mapstructure:"rate_limit"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses; must
	// exceed the tool timeout so SSE streams are not cut off
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// WebSocketConfig contains the WebSocket transport settings.
type WebSocketConfig struct {
	// Enabled turns the WebSocket endpoint on (served by the HTTP listener)
	Enabled bool `mapstructure:"enabled"`

	// Path is the upgrade endpoint path
	Path string `mapstructure:"path"`
}

// StdioConfig contains the stdio transport settings.
type StdioConfig struct {
	// Enabled turns the stdio transport on
	Enabled bool `mapstructure:"enabled"`
}

// InventoryConfig contains the device store settings.
type InventoryConfig struct {
	// Path is the inventory root directory; the store lives at
	// {Path}/devices.db and templates default to {Path}/templates
	Path string `mapstructure:"path"`

	// StalenessHours is the staleness threshold for discovered facts
	StalenessHours int `mapstructure:"staleness_hours"`

	// ScanInterval is how often the background staleness scanner runs
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// SSHConfig contains the SSH executor settings.
type SSHConfig struct {
	// KeyPath is where the server keypair lives (private key; public key
	// is KeyPath + ".pub"). Empty means ~/.ssh/mcp_admin_rsa.
	KeyPath string `mapstructure:"key_path"`

	// ManagedUser is the administrative account bootstrapped onto hosts
	ManagedUser string `mapstructure:"managed_user"`

	// HostKeyPolicy is one of strict, tofu, accept-all
	HostKeyPolicy string `mapstructure:"host_key_policy"`

	// KnownHostsPath is the known_hosts file used by strict and tofu
	// policies. Empty means {KeyPath dir}/mcp_known_hosts.
	KnownHostsPath string `mapstructure:"known_hosts_path"`

	// ConnectTimeout is the TCP+handshake deadline
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// CommandTimeout is the default per-command deadline
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// PoolSize is the maximum number of cached connections
	PoolSize int `mapstructure:"pool_size"`

	// IdleTTL closes pooled connections idle longer than this
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// TemplatesConfig contains the service template engine settings.
type TemplatesConfig struct {
	// Path is the template directory; empty means {inventory.path}/templates
	Path string `mapstructure:"path"`
}

// InstallerConfig contains service installation settings.
type InstallerConfig struct {
	// DeploymentRoot is the remote directory root for compose deployments
	DeploymentRoot string `mapstructure:"deployment_root"`

	// HealthDeadline bounds health probe polling after an install
	HealthDeadline time.Duration `mapstructure:"health_deadline"`

	// StagingRoot is the local directory for staged ansible artifacts
	StagingRoot string `mapstructure:"staging_root"`
}

// TerraformConfig contains the terraform driver settings.
type TerraformConfig struct {
	// Binary is the terraform executable
	Binary string `mapstructure:"binary"`

	// StateRoot is the directory holding per-service working directories
	StateRoot string `mapstructure:"state_root"`

	// StepTimeout bounds each terraform operation
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// AnsibleConfig contains ansible-playbook invocation settings.
type AnsibleConfig struct {
	// Binary is the ansible-playbook executable
	Binary string `mapstructure:"binary"`

	// PlaybookTimeout bounds a playbook run
	PlaybookTimeout time.Duration `mapstructure:"playbook_timeout"`

	// HostKeyChecking toggles ANSIBLE_HOST_KEY_CHECKING on subprocess runs
	HostKeyChecking bool `mapstructure:"host_key_checking"`

	// InventoryPath is an optional static inventory passed to playbooks
	InventoryPath string `mapstructure:"inventory_path"`
}

// CredentialsConfig contains the credential store settings.
type CredentialsConfig struct {
	// Path is an optional YAML credentials file loaded once at boot
	Path string `mapstructure:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.lares")
		v.AddConfigPath("/etc/lares")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LARES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindSpecEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDerived(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// bindSpecEnv binds the documented unprefixed environment variables.
func bindSpecEnv(v *viper.Viper) {
	bindings := map[string]string{
		"server.name":               "MCP_SERVER_NAME",
		"server.version":            "MCP_SERVER_VERSION",
		"server.debug":              "DEBUG",
		"logging.level":             "LOG_LEVEL",
		"inventory.path":            "INVENTORY_PATH",
		"inventory.staleness_hours": "INVENTORY_STALENESS_HOURS",
		"ansible.host_key_checking": "ANSIBLE_HOST_KEY_CHECKING",
		"ansible.inventory_path":    "ANSIBLE_INVENTORY_PATH",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env) //nolint:errcheck
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "lares")
	v.SetDefault("server.version", "")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.shutdown_grace", 15*time.Second)
	v.SetDefault("server.tool_timeout", 30*time.Minute)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8420)
	v.SetDefault("http.stateless", true)
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.read_timeout", 60*time.Second)
	v.SetDefault("http.write_timeout", 35*time.Minute)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/mcp/ws")

	v.SetDefault("stdio.enabled", false)

	v.SetDefault("inventory.path", defaultInventoryPath())
	v.SetDefault("inventory.staleness_hours", 24)
	v.SetDefault("inventory.scan_interval", 5*time.Minute)

	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.managed_user", "mcp_admin")
	v.SetDefault("ssh.host_key_policy", "tofu")
	v.SetDefault("ssh.known_hosts_path", "")
	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.command_timeout", 60*time.Second)
	v.SetDefault("ssh.pool_size", 32)
	v.SetDefault("ssh.idle_ttl", 5*time.Minute)

	v.SetDefault("templates.path", "")

	v.SetDefault("installer.deployment_root", "/opt/lares")
	v.SetDefault("installer.health_deadline", 2*time.Minute)
	v.SetDefault("installer.staging_root", "")

	v.SetDefault("terraform.binary", "terraform")
	v.SetDefault("terraform.state_root", "")
	v.SetDefault("terraform.step_timeout", 10*time.Minute)

	v.SetDefault("ansible.binary", "ansible-playbook")
	v.SetDefault("ansible.playbook_timeout", 30*time.Minute)
	v.SetDefault("ansible.host_key_checking", false)
	v.SetDefault("ansible.inventory_path", "")

	v.SetDefault("credentials.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyDerived fills paths that default relative to the inventory root.
func applyDerived(cfg *Config) {
	if cfg.Templates.Path == "" {
		cfg.Templates.Path = filepath.Join(cfg.Inventory.Path, "templates")
	}
	if cfg.Terraform.StateRoot == "" {
		cfg.Terraform.StateRoot = filepath.Join(cfg.Inventory.Path, "terraform")
	}
	if cfg.Installer.StagingRoot == "" {
		cfg.Installer.StagingRoot = filepath.Join(cfg.Inventory.Path, "staging")
	}
}

func defaultInventoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lares"
	}
	return filepath.Join(home, ".lares")
}

// DatabasePath is the location of the device store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Inventory.Path, "devices.db")
}

// StalenessThreshold converts the configured hours into a duration.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Inventory.StalenessHours) * time.Hour
}

func validate(cfg *Config) error {
	if cfg.Server.Name == "" {
		return fmt.Errorf("server.name must not be empty")
	}
	if cfg.HTTP.Enabled {
		if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
			return fmt.Errorf("http.port must be between 1 and 65535, got %d", cfg.HTTP.Port)
		}
	}
	switch cfg.SSH.HostKeyPolicy {
	case "strict", "tofu", "accept-all":
	default:
		return fmt.Errorf("ssh.host_key_policy must be strict, tofu or accept-all, got %q", cfg.SSH.HostKeyPolicy)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Inventory.StalenessHours < 1 {
		return fmt.Errorf("inventory.staleness_hours must be at least 1, got %d", cfg.Inventory.StalenessHours)
	}
	if cfg.SSH.ManagedUser == "" {
		return fmt.Errorf("ssh.managed_user must not be empty")
	}
	return nil
}

// isFileNotFoundError checks whether a config read error means the file is
// simply absent, in which case defaults apply.
func isFileNotFoundError(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}
