package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var defaultConfigPaths = []string{
	"./agent.yaml",
	"/etc/forensic-agent/agent.yaml",
}

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	IsolationPool    = "pool"
	IsolationProcess = "process"
)

type Config struct {
	Environment      string                   `mapstructure:"environment"`
	AgentID          string                   `mapstructure:"agent_id"`
	LogPath          string                   `mapstructure:"log_path"`
	LogLevel         string                   `mapstructure:"log_level"`
	InsecureTLS      bool                     `mapstructure:"insecure_tls"`
	RPCTimeout       time.Duration            `mapstructure:"rpc_timeout"`
	PostThreshold    int                      `mapstructure:"post_threshold"`
	PollInterval     time.Duration            `mapstructure:"poll_interval"`
	Instantaneous    bool                     `mapstructure:"instantaneous"`
	UpdateRetry      RetryConfig              `mapstructure:"update_retry"`
	Parallelism      int                      `mapstructure:"parallelism"`
	Isolation        string                   `mapstructure:"isolation"`
	StatusAddr       string                   `mapstructure:"status_addr"`
	ProgressInterval time.Duration            `mapstructure:"progress_interval"`
	Storage          StorageConfig            `mapstructure:"storage"`
	Tools            map[string]string        `mapstructure:"tools"`
	ToolTimeout      time.Duration            `mapstructure:"tool_timeout"`
	Profiles         map[string]ProfileConfig `mapstructure:"profiles"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type StorageConfig struct {
	LocalRoot     string `mapstructure:"local_root"`
	DefaultPrefix string `mapstructure:"default_prefix"`
	Marker        string `mapstructure:"marker"`
	// Drives binds a storage name to the mount point or drive letter it
	// must be mapped on before use.
	Drives     map[string]string `mapstructure:"drives"`
	MapCommand string            `mapstructure:"map_command"`
}

type ProfileConfig struct {
	Protocol   string   `mapstructure:"protocol"`
	IPs        []string `mapstructure:"ips"`
	Port       int      `mapstructure:"port"`
	SystemPath string   `mapstructure:"system_path"`
}

// Profile is the resolved coordinator environment. It is built once at
// startup and never mutated afterwards.
type Profile struct {
	Name       string   `yaml:"name"`
	Protocol   string   `yaml:"protocol"`
	IPs        []string `yaml:"ips"`
	Port       int      `yaml:"port"`
	SystemPath string   `yaml:"system_path"`
	Insecure   bool     `yaml:"insecure"`
}

// BaseURL returns the coordinator base URL for the given candidate IP. A
// candidate that already carries a port keeps it.
func (p Profile) BaseURL(ip string) string {
	host := ip
	if _, _, err := net.SplitHostPort(ip); err != nil && p.Port != 0 {
		host = net.JoinHostPort(ip, strconv.Itoa(p.Port))
	}
	path := strings.Trim(p.SystemPath, "/")
	if path == "" {
		return fmt.Sprintf("%s://%s", p.Protocol, host)
	}
	return fmt.Sprintf("%s://%s/%s", p.Protocol, host, path)
}

func setDefaults(v *viper.Viper) {
	// every key needs a default so AutomaticEnv can override it
	v.SetDefault("environment", EnvProduction)
	v.SetDefault("agent_id", "")
	v.SetDefault("insecure_tls", false)
	v.SetDefault("instantaneous", false)
	v.SetDefault("status_addr", "")
	v.SetDefault("storage.local_root", "")
	v.SetDefault("storage.map_command", "")
	v.SetDefault("log_path", "/var/log/forensic-agent.log")
	v.SetDefault("log_level", "info")
	v.SetDefault("rpc_timeout", 60*time.Second)
	v.SetDefault("post_threshold", 1500)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("update_retry.attempts", 5)
	v.SetDefault("update_retry.delay", 10*time.Second)
	v.SetDefault("parallelism", 1)
	v.SetDefault("isolation", IsolationPool)
	v.SetDefault("progress_interval", 60*time.Second)
	v.SetDefault("tool_timeout", 24*time.Hour)
	v.SetDefault("storage.default_prefix", defaultStoragePrefix())
	v.SetDefault("storage.marker", "storage_sapi_nao_apagar.txt")
	v.SetDefault("profiles.development.protocol", "http")
	v.SetDefault("profiles.development.ips", []string{"127.0.0.1"})
	v.SetDefault("profiles.development.port", 8080)
	v.SetDefault("profiles.development.system_path", "coordinator")
	v.SetDefault("profiles.production.protocol", "https")
	v.SetDefault("profiles.production.port", 443)
	v.SetDefault("profiles.production.system_path", "coordinator")
}

func defaultStoragePrefix() string {
	if filepath.Separator == '\\' {
		return `\\storage`
	}
	return "/mnt/storage"
}

// Load reads the agent configuration. Values come, in increasing priority,
// from built-in defaults, the YAML file, a .env file and FAGENT_* variables.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var configPath string

	if path != "" {
		configPath = path
	} else {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = uuid.NewString()
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.UpdateRetry.Attempts < 1 {
		c.UpdateRetry.Attempts = 1
	}
	c.Environment = strings.ToLower(c.Environment)
}

func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	p, ok := c.Profiles[c.Environment]
	if !ok {
		return fmt.Errorf("no profile configured for environment %q", c.Environment)
	}
	if len(p.IPs) == 0 {
		return fmt.Errorf("profile %q has no coordinator ips", c.Environment)
	}
	if p.Protocol != "http" && p.Protocol != "https" {
		return fmt.Errorf("profile %q: protocol must be http or https", c.Environment)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc_timeout must be positive")
	}
	if c.Isolation != IsolationPool && c.Isolation != IsolationProcess {
		return fmt.Errorf("isolation must be %q or %q", IsolationPool, IsolationProcess)
	}
	if c.Storage.Marker == "" {
		return fmt.Errorf("storage.marker is required")
	}
	return nil
}

// Profile returns the immutable environment profile selected by
// Environment. The ip slice is copied so later edits to the config cannot
// leak into it.
func (c *Config) Profile() Profile {
	p := c.Profiles[c.Environment]
	ips := make([]string, len(p.IPs))
	copy(ips, p.IPs)
	return Profile{
		Name:       c.Environment,
		Protocol:   p.Protocol,
		IPs:        ips,
		Port:       p.Port,
		SystemPath: p.SystemPath,
		Insecure:   c.InsecureTLS,
	}
}

// PollDelay is how long the agent sleeps after an empty lease.
func (c *Config) PollDelay() time.Duration {
	if c.Instantaneous {
		return 0
	}
	return c.PollInterval
}
