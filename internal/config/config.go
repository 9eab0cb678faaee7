// Package config loads clusterrun settings.
// Priority: CLI flags > CLUSTERRUN_* env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CLUSTERRUN"

type Config struct {
	WorkflowRoots []string      `mapstructure:"workflow_roots"`
	UtilsDir      string        `mapstructure:"utils_dir"`
	TmpDir        string        `mapstructure:"tmp_dir"`
	LocalNode     string        `mapstructure:"local_node"`
	Cluster       ClusterConfig `mapstructure:"cluster"`
	SSH           SSHConfig     `mapstructure:"ssh"`
	Local         LocalConfig   `mapstructure:"local"`
	Journal       JournalConfig `mapstructure:"journal"`
	Log           LogConfig     `mapstructure:"log"`
}

// ClusterConfig controls how the default host set is discovered when a run
// does not name its nodes.
type ClusterConfig struct {
	Nodes        []string `mapstructure:"nodes"`
	NodesCommand string   `mapstructure:"nodes_command"`
}

type SSHConfig struct {
	User                  string        `mapstructure:"user"`
	Port                  int           `mapstructure:"port"`
	Timeout               time.Duration `mapstructure:"timeout"`
	IdentityFiles         []string      `mapstructure:"identity_files"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	StrictHostKeyChecking bool          `mapstructure:"strict_host_key_checking"`
	UseAgent              bool          `mapstructure:"use_agent"`
	Parallelism           int           `mapstructure:"parallelism"`
}

type LocalConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Option customizes the viper instance before the config is decoded.
type Option func(v *viper.Viper) error

// WithFlag binds a command-line flag to a config key. Unset flags are ignored.
func WithFlag(key string, flag *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		return v.BindPFlag(key, flag)
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func setDefaults(v *viper.Viper) {
	home := homeDir()
	v.SetDefault("workflow_roots", []string{
		filepath.Join(home, ".config", "clusterrun", "scripts"),
		"/usr/share/clusterrun/scripts",
	})
	v.SetDefault("utils_dir", "/usr/share/clusterrun/utils")
	v.SetDefault("tmp_dir", os.TempDir())
	v.SetDefault("local_node", "")
	v.SetDefault("cluster.nodes", []string{})
	v.SetDefault("cluster.nodes_command", "crm_node -l")
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.timeout", "60s")
	v.SetDefault("ssh.identity_files", []string{})
	v.SetDefault("ssh.known_hosts", filepath.Join(home, ".ssh", "known_hosts"))
	v.SetDefault("ssh.strict_host_key_checking", true)
	v.SetDefault("ssh.use_agent", true)
	v.SetDefault("ssh.parallelism", 32)
	v.SetDefault("local.timeout", "0s")
	v.SetDefault("local.max_output_bytes", 10*1024*1024)
	v.SetDefault("journal.path", filepath.Join(home, ".clusterrun", "journal.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. An explicit file must exist; otherwise
// config.yaml is looked up in ., ~/.clusterrun and /etc/clusterrun and may be absent.
func Load(file string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(homeDir(), ".clusterrun"))
		v.AddConfigPath("/etc/clusterrun")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, fmt.Errorf("apply config option: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no run could work with.
func (c *Config) Validate() error {
	if len(c.WorkflowRoots) == 0 {
		return fmt.Errorf("config: workflow_roots must not be empty")
	}
	if c.TmpDir == "" {
		return fmt.Errorf("config: tmp_dir must not be empty")
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("config: ssh.port %d out of range", c.SSH.Port)
	}
	if c.SSH.Timeout < 0 || c.Local.Timeout < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	if c.SSH.Parallelism <= 0 {
		return fmt.Errorf("config: ssh.parallelism must be positive")
	}
	return nil
}
