package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的分区存储驱动。
const (
	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与回源行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxEntrySize    int64    `mapstructure:"MaxEntrySize"`
}

// CacheConfig 决定拦截器的分区命名、种子清单以及 API 路由前缀。
// 升级 StaticPartition / DynamicPartition 的版本后缀即可让旧分区在 activate 阶段被清理。
type CacheConfig struct {
	Origin           string   `mapstructure:"Origin"`
	StaticPartition  string   `mapstructure:"StaticPartition"`
	DynamicPartition string   `mapstructure:"DynamicPartition"`
	APIPrefix        string   `mapstructure:"APIPrefix"`
	FallbackPath     string   `mapstructure:"FallbackPath"`
	SeedManifest     []string `mapstructure:"SeedManifest"`
	SeedConcurrency  int      `mapstructure:"SeedConcurrency"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// CurrentPartitions 返回当前版本集合（静态 + 动态分区名）。
func (c CacheConfig) CurrentPartitions() []string {
	return []string{c.StaticPartition, c.DynamicPartition}
}
