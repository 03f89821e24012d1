package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the static configuration for both daemons and the CLI. Values
// are compiled-in defaults, optionally overridden once at startup by
// ~/.ailabber/config.yaml. There is no runtime reconfiguration.
type Config struct {
	// Listen addresses.
	ProxyPort  int `yaml:"proxy_port"`
	RemotePort int `yaml:"remote_port"`

	// RemoteServerURL resolves on loopback; an externally maintained SSH
	// tunnel maps it to the remote host.
	RemoteServerURL string `yaml:"remote_server_url"`

	// Reconciler poll interval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SSH / rsync settings for the remote staging push.
	RemoteSSHHost string `yaml:"remote_ssh_host"`
	RemoteSSHPort int    `yaml:"remote_ssh_port"`
	RemoteSSHUser string `yaml:"remote_ssh_user"`
	SSHPrivateKey string `yaml:"ssh_private_key"`

	// RemoteBaseDir anchors per-user working trees on the remote host.
	RemoteBaseDir string `yaml:"remote_base_dir"`

	// DataDir holds local_proxy.db, tmp/<username>/ staging and logs/.
	DataDir string `yaml:"data_dir"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		ProxyPort:       8080,
		RemotePort:      8080,
		RemoteServerURL: "http://127.0.0.1:8080",
		PollInterval:    5 * time.Second,
		RemoteSSHHost:   "",
		RemoteSSHPort:   22,
		RemoteSSHUser:   "root",
		SSHPrivateKey:   filepath.Join(home, ".ssh", "id_rsa"),
		RemoteBaseDir:   "/root",
		DataDir:         filepath.Join(home, ".ailabber"),
	}
}

// Load returns the defaults merged with the optional override file. A
// missing file is not an error; a malformed one is.
func Load() (*Config, error) {
	cfg := Default()
	path := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DBPath is the SQLite file backing the Task Store.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "local_proxy.db")
}

// TmpDir is the root of per-user staging trees.
func (c *Config) TmpDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// LogDir holds daemon log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// EnsureDirs creates the data directories if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.TmpDir(), c.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
