package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LongPoll LongPollConfig `yaml:"longpoll"`
	Stream   StreamConfig   `yaml:"stream"`
	CORS     CORSConfig     `yaml:"cors"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LongPollConfig 长轮询配置。挂起时长不参与热更新。
type LongPollConfig struct {
	HoldTimeout time.Duration `yaml:"hold_timeout"`
}

// StreamConfig WebSocket 推送配置
type StreamConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// CORSConfig 跨域白名单，"*" 表示放行所有来源
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	// Access 为 false 时不挂 gin.Logger
	Access bool `yaml:"access"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "",
			Port:            3000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		LongPoll: LongPollConfig{
			HoldTimeout: 25 * time.Second,
		},
		Stream: StreamConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   256,
			ReadLimit:    64 * 1024,
		},
		// 默认放行所有来源，部署在其他域名下的前端也能直接连
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{Access: true},
	}
}

// Load 从文件加载配置。文件不存在时使用默认配置；文件中未出现的字段保留默认值。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Printf("[Config] %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			log.Printf("[Config] loaded %s (%d bytes)", path, len(data))
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖
func applyEnv(cfg *Config) {
	if addr := os.Getenv("CHATRELAY_ADDR"); addr != "" {
		if err := cfg.SetAddr(addr); err != nil {
			log.Printf("[Config] ⚠️  ignoring CHATRELAY_ADDR=%q: %v", addr, err)
		}
	}
	if origins := os.Getenv("CHATRELAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORS.AllowedOrigins = splitList(origins)
	}
}

// SetAddr 以 host:port 形式覆盖监听地址
func (c *Config) SetAddr(addr string) error {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return fmt.Errorf("address %q missing port", addr)
	}
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return fmt.Errorf("address %q: invalid port: %w", addr, err)
	}
	c.Server.Host = addr[:idx]
	c.Server.Port = port
	return nil
}

// Addr 返回监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.LongPoll.HoldTimeout <= 0 {
		return fmt.Errorf("longpoll hold_timeout must be positive")
	}
	// 写超时必须覆盖长轮询挂起时长，否则挂起结束时响应已无法写出
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.LongPoll.HoldTimeout {
		return fmt.Errorf("server write_timeout (%v) must exceed longpoll hold_timeout (%v)", c.Server.WriteTimeout, c.LongPoll.HoldTimeout)
	}
	if c.Stream.SendBuffer < 1 {
		return fmt.Errorf("stream send_buffer must be at least 1")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
