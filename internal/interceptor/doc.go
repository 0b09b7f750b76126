// Package interceptor 实现离线请求拦截器：install 阶段预热静态分区，activate 阶段按版本集合
// 清理旧分区，Handle 按 URL 前缀在 Cache-First 与 Stale-While-Revalidate 两种策略间路由。
//
// 拦截器本身不依赖 HTTP 框架，网络访问通过 Fetcher 注入，分区通过 cache.Store 注入，
// 便于在测试中替换。
package interceptor
