package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// HTTP服务配置
	Server struct {
		ListenAddress   string        `mapstructure:"listen_address"`
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	// 注册中心配置
	Registry struct {
		TTL           time.Duration `mapstructure:"ttl"`            // 心跳超时，超过后标记为不可达
		EvictAfter    time.Duration `mapstructure:"evict_after"`    // 超过后直接剔除
		SweepInterval time.Duration `mapstructure:"sweep_interval"` // 为0时取TTL/2
	} `mapstructure:"registry"`

	// 代理配置
	Proxy struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"proxy"`

	// 健康检查配置
	Health struct {
		ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		Concurrency  int           `mapstructure:"concurrency"`
	} `mapstructure:"health"`

	// 静态路由
	Routes []RouteConfig `mapstructure:"routes"`

	// DNS服务配置
	DNS struct {
		Enabled       bool     `mapstructure:"enabled"`
		ListenAddress string   `mapstructure:"listen_address"`
		Port          int      `mapstructure:"port"`
		Protocol      string   `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string   `mapstructure:"domain"`
		TTL           uint32   `mapstructure:"ttl"`
		UpstreamDNS   []string `mapstructure:"upstream_dns"`
	} `mapstructure:"dns"`

	// etcd配置，用于持久化运行时添加的路由
	Etcd struct {
		Enabled     bool          `mapstructure:"enabled"`
		Endpoints   []string      `mapstructure:"endpoints"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		Username    string        `mapstructure:"username"`
		Password    string        `mapstructure:"password"`
		Prefix      string        `mapstructure:"prefix"`
	} `mapstructure:"etcd"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// RouteConfig 静态路由配置
type RouteConfig struct {
	Prefix  string `mapstructure:"prefix"`
	Service string `mapstructure:"service"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.meshd")
		v.AddConfigPath("/etc/meshd")
	}

	v.SetConfigType("yaml")

	// 找不到默认配置文件时使用默认值，其他错误返回
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	if c.Registry.TTL <= 0 {
		return fmt.Errorf("registry.ttl必须大于0")
	}
	if c.Registry.EvictAfter <= c.Registry.TTL {
		return fmt.Errorf("registry.evict_after(%s)必须大于registry.ttl(%s)", c.Registry.EvictAfter, c.Registry.TTL)
	}
	if c.Registry.SweepInterval < 0 {
		return fmt.Errorf("registry.sweep_interval不能为负数")
	}
	if c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout必须大于0")
	}
	if c.Health.ProbeTimeout <= 0 || c.Health.PollInterval <= 0 {
		return fmt.Errorf("health.probe_timeout和health.poll_interval必须大于0")
	}
	if c.Health.Concurrency <= 0 {
		return fmt.Errorf("health.concurrency必须大于0")
	}
	for _, r := range c.Routes {
		if r.Prefix == "" || r.Service == "" {
			return fmt.Errorf("静态路由的prefix和service都是必需的")
		}
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("启用etcd时必须配置etcd.endpoints")
	}
	return nil
}

// EffectiveSweepInterval 返回实际的清扫间隔
func (c *Config) EffectiveSweepInterval() time.Duration {
	if c.Registry.SweepInterval > 0 {
		return c.Registry.SweepInterval
	}
	return c.Registry.TTL / 2
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// HTTP服务默认配置
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// 注册中心默认配置
	v.SetDefault("registry.ttl", 30*time.Second)
	v.SetDefault("registry.evict_after", 90*time.Second)
	v.SetDefault("registry.sweep_interval", time.Duration(0))

	// 代理默认配置
	v.SetDefault("proxy.timeout", 30*time.Second)

	// 健康检查默认配置
	v.SetDefault("health.probe_timeout", 5*time.Second)
	v.SetDefault("health.poll_interval", 30*time.Second)
	v.SetDefault("health.concurrency", 16)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.domain", "mesh.local")
	v.SetDefault("dns.ttl", 10)
	v.SetDefault("dns.upstream_dns", []string{})

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.prefix", "/meshd/routes/")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("server.port", "MESH_PORT")
	v.BindEnv("registry.ttl", "MESH_HEARTBEAT_TTL")
	v.BindEnv("registry.evict_after", "MESH_EVICT_AFTER")
	v.BindEnv("proxy.timeout", "MESH_PROXY_TIMEOUT")
	v.BindEnv("health.probe_timeout", "MESH_PROBE_TIMEOUT")
	v.BindEnv("health.poll_interval", "MESH_POLL_INTERVAL")
	v.BindEnv("etcd.endpoints", "MESH_ETCD_ENDPOINTS")
}
