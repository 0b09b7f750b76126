package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供分区/策略/命中状态字段，供拦截器与代理请求日志复用。
func RequestFields(partition, strategy, method, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"partition": partition,
		"strategy":  strategy,
		"method":    method,
		"cache_key": key,
		"cache_hit": cacheHit,
	}
}

// PartitionFields 用于 install/activate 等生命周期日志。
func PartitionFields(action, partition string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"partition": partition,
	}
}

// ProxyFields 是代理层访问日志的公共字段。
func ProxyFields(strategy, method, key string) logrus.Fields {
	return logrus.Fields{
		"action":    "proxy",
		"strategy":  strategy,
		"method":    method,
		"cache_key": key,
		"cache_hit": false,
	}
}
