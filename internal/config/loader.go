package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultSeedManifest 与预置的离线外壳保持一致：页面、样式、脚本、manifest 与图标。
var DefaultSeedManifest = []string{
	"/",
	"/static/style.css",
	"/static/script.js",
	"/static/manifest.json",
	"/static/icon-192x192.png",
	"/static/icon-512x512.png",
	"/static/icon-192x192-round.png",
}

const (
	defaultStaticPartition  = "budget-planner-static-v2.0"
	defaultDynamicPartition = "budget-planner-dynamic-v1"
	defaultAPIPrefix        = "/api/"
	defaultFallbackPath     = "/"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver != StorageDriverMemory {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverFile)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxEntrySize", 32*1024*1024)
	v.SetDefault("Cache.StaticPartition", defaultStaticPartition)
	v.SetDefault("Cache.DynamicPartition", defaultDynamicPartition)
	v.SetDefault("Cache.APIPrefix", defaultAPIPrefix)
	v.SetDefault("Cache.FallbackPath", defaultFallbackPath)
	v.SetDefault("Cache.SeedManifest", DefaultSeedManifest)
	v.SetDefault("Cache.SeedConcurrency", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.StorageDriver) == "" {
		g.StorageDriver = StorageDriverFile
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.Origin = strings.TrimRight(strings.TrimSpace(c.Origin), "/")
	if c.StaticPartition == "" {
		c.StaticPartition = defaultStaticPartition
	}
	if c.DynamicPartition == "" {
		c.DynamicPartition = defaultDynamicPartition
	}
	if c.APIPrefix == "" {
		c.APIPrefix = defaultAPIPrefix
	}
	if c.FallbackPath == "" {
		c.FallbackPath = defaultFallbackPath
	}
	if len(c.SeedManifest) == 0 {
		c.SeedManifest = append([]string(nil), DefaultSeedManifest...)
	}
	for i, entry := range c.SeedManifest {
		c.SeedManifest[i] = strings.TrimSpace(entry)
	}
	if c.SeedConcurrency <= 0 {
		c.SeedConcurrency = 4
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
