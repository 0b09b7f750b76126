package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFile:   {},
	StorageDriverSQLite: {},
	StorageDriverMemory: {},
}

const supportedStorageDriverList = "file|sqlite|memory"

// 分区名会直接作为目录名或主键使用，因此只允许安全字符。
var partitionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	driver := strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if _, ok := supportedStorageDrivers[driver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if driver != StorageDriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxEntrySize < 0 {
		return newFieldError("Global.MaxEntrySize", "不能为负数")
	}

	return c.Cache.validate()
}

func (c *CacheConfig) validate() error {
	if err := validateOrigin(c.Origin); err != nil {
		return fmt.Errorf("%s: %w", cacheField("Origin"), err)
	}
	if err := validatePartitionName(c.StaticPartition); err != nil {
		return fmt.Errorf("%s: %w", cacheField("StaticPartition"), err)
	}
	if err := validatePartitionName(c.DynamicPartition); err != nil {
		return fmt.Errorf("%s: %w", cacheField("DynamicPartition"), err)
	}
	if c.StaticPartition == c.DynamicPartition {
		return newFieldError(cacheField("DynamicPartition"), "不能与 StaticPartition 同名")
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		return newFieldError(cacheField("APIPrefix"), "必须以 / 开头")
	}
	if !strings.HasPrefix(c.FallbackPath, "/") {
		return newFieldError(cacheField("FallbackPath"), "必须以 / 开头")
	}
	if c.SeedConcurrency <= 0 {
		return newFieldError(cacheField("SeedConcurrency"), "必须大于 0")
	}
	if len(c.SeedManifest) == 0 {
		return newFieldError(cacheField("SeedManifest"), "至少需要一个资源")
	}

	seen := make(map[string]struct{}, len(c.SeedManifest))
	hasFallback := false
	for i, entry := range c.SeedManifest {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(seedField(i), "必须是以 / 开头的相对路径")
		}
		if _, dup := seen[entry]; dup {
			return newFieldError(seedField(i), "重复")
		}
		seen[entry] = struct{}{}
		if entry == c.FallbackPath {
			hasFallback = true
		}
	}
	if !hasFallback {
		return newFieldError(cacheField("SeedManifest"), "必须包含 FallbackPath "+c.FallbackPath)
	}
	return nil
}

func validatePartitionName(name string) error {
	if name == "" {
		return errors.New("分区名不能为空")
	}
	if !partitionNamePattern.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("分区名仅允许字母、数字与 ._-: %s", name)
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("Origin 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
