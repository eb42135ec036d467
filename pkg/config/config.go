package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full provider configuration, loaded once at startup and
// passed explicitly to each component.
type Config struct {
	Node struct {
		Name string `mapstructure:"name"`
		// ListenPort is the node-agent API port advertised to the
		// control plane.
		ListenPort int    `mapstructure:"listenPort"`
		DataDir    string `mapstructure:"dataDir"`
	} `mapstructure:"node"`

	Kubernetes struct {
		ConfigPath string `mapstructure:"configPath"`
		InCluster  bool   `mapstructure:"inCluster"`
	} `mapstructure:"kubernetes"`

	TLS struct {
		CertFile     string `mapstructure:"certFile"`
		KeyFile      string `mapstructure:"keyFile"`
		ClientCAFile string `mapstructure:"clientCAFile"`
	} `mapstructure:"tls"`

	WasmCloud struct {
		ControlURL     string        `mapstructure:"controlURL"`
		Timeout        time.Duration `mapstructure:"timeout"`
		MaxAttempts    int           `mapstructure:"maxAttempts"`
		InitialBackoff time.Duration `mapstructure:"initialBackoff"`
		MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"wasmcloud"`

	Reconcile struct {
		Workers         int           `mapstructure:"workers"`
		ResyncInterval  time.Duration `mapstructure:"resyncInterval"`
		TeardownTimeout time.Duration `mapstructure:"teardownTimeout"`
		// ShutdownGrace bounds how long shutdown waits for in-flight
		// reconciliations to drain.
		ShutdownGrace time.Duration `mapstructure:"shutdownGrace"`
	} `mapstructure:"reconcile"`

	Status struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"status"`

	Logging struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
		Encoding    string `mapstructure:"encoding"`
		File        string `mapstructure:"file"`
	} `mapstructure:"logging"`
}

// Load reads configuration from a YAML file plus WASMCLOUD_VK_* environment
// overrides and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("/etc/vk-wasmcloud-provider")
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// The file is optional when everything arrives via env vars.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("WASMCLOUD_VK")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if name := os.Getenv("NODE_NAME"); name != "" && cfg.Node.Name == "" {
		cfg.Node.Name = name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "")
	v.SetDefault("node.listenPort", 3000)
	v.SetDefault("node.dataDir", "/var/lib/vk-wasmcloud")
	v.SetDefault("kubernetes.inCluster", true)
	v.SetDefault("wasmcloud.controlURL", "http://127.0.0.1:4200")
	v.SetDefault("wasmcloud.timeout", 30*time.Second)
	v.SetDefault("wasmcloud.maxAttempts", 4)
	v.SetDefault("wasmcloud.initialBackoff", 500*time.Millisecond)
	v.SetDefault("wasmcloud.maxBackoff", 8*time.Second)
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.resyncInterval", time.Minute)
	v.SetDefault("reconcile.teardownTimeout", 30*time.Second)
	v.SetDefault("reconcile.shutdownGrace", 10*time.Second)
	v.SetDefault("status.interval", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
}

// Validate fails fast on configuration the provider cannot start without.
// TLS identity problems are startup-fatal: the node-agent API cannot serve
// without a valid certificate.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node name is required (node.name or NODE_NAME)")
	}
	if c.Node.ListenPort <= 0 || c.Node.ListenPort > 65535 {
		return fmt.Errorf("invalid node-agent listen port %d", c.Node.ListenPort)
	}
	if c.WasmCloud.ControlURL == "" {
		return fmt.Errorf("wasmcloud control URL is required")
	}
	if c.WasmCloud.MaxAttempts < 1 {
		return fmt.Errorf("wasmcloud.maxAttempts must be at least 1")
	}
	if c.Reconcile.Workers < 1 {
		return fmt.Errorf("reconcile.workers must be at least 1")
	}

	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" || c.TLS.ClientCAFile == "" {
		return fmt.Errorf("tls.certFile, tls.keyFile and tls.clientCAFile are required")
	}
	if _, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile); err != nil {
		return fmt.Errorf("loading node TLS identity: %w", err)
	}
	if _, err := os.Stat(c.TLS.ClientCAFile); err != nil {
		return fmt.Errorf("reading client CA bundle: %w", err)
	}
	return nil
}
