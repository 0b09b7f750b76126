package interceptor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/budget-planner/offline-cache/internal/cache"
)

// Source 标记响应来自哪里，代理层据此输出 X-Offline-Cache-Source。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Strategy 描述一次请求采用的缓存策略。
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyPassthrough          Strategy = "passthrough"
)

// Request 是与 HTTP 框架无关的请求描述。URL 为源站相对路径（含 query）。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Navigate 表示页面导航请求，Cache-First 回源失败时可回退到离线外壳。
	Navigate bool
	// Reload 要求绕过任何中间缓存直接访问源站，用于 install 预热。
	Reload bool
}

// Key 返回请求在分区中的身份。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// Path 返回去掉 query 的路径部分。
func (r *Request) Path() string {
	if idx := strings.IndexByte(r.URL, '?'); idx >= 0 {
		return r.URL[:idx]
	}
	return r.URL
}

// Response 是拦截器返回给调用方的完整响应。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Strategy Strategy
}

// OK 与 fetch 的 response.ok 一致：2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// 分区由所有客户端共享，写入前去掉会话相关的响应头。
var unsharedHeaders = []string{"Set-Cookie", "Set-Cookie2"}

func (r *Response) snapshot() cache.Snapshot {
	header := r.Header.Clone()
	for _, key := range unsharedHeaders {
		header.Del(key)
	}
	return cache.Snapshot{
		Status: r.Status,
		Header: header,
		Body:   r.Body,
	}
}

func responseFromSnapshot(s *cache.Snapshot, source Source, strategy Strategy) *Response {
	header := s.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:   s.Status,
		Header:   header,
		Body:     s.Body,
		Source:   source,
		Strategy: strategy,
	}
}

// Fetcher 是拦截器依赖的网络传输：发出请求并返回带状态码与正文的响应。
// 只有无法得到响应（断网、连接失败等）才返回 error；非 2xx 状态仍是正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Options 汇总拦截器的分区命名、种子清单与路由前缀。
type Options struct {
	StaticPartition  string
	DynamicPartition string
	SeedManifest     []string
	APIPrefix        string
	FallbackPath     string
	SeedConcurrency  int
	MaxRetries       int
	InitialBackoff   time.Duration
	// MaxEntryBytes 为 0 表示不限制；超过上限的正文照常返回但不写入分区。
	MaxEntryBytes int64
}

func (o *Options) applyDefaults() {
	if o.FallbackPath == "" {
		o.FallbackPath = "/"
	}
	if o.SeedConcurrency <= 0 {
		o.SeedConcurrency = 4
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}

func (o Options) validate() error {
	if o.StaticPartition == "" {
		return errors.New("static partition name required")
	}
	if o.DynamicPartition == "" {
		return errors.New("dynamic partition name required")
	}
	if o.StaticPartition == o.DynamicPartition {
		return errors.New("static and dynamic partitions must differ")
	}
	if o.APIPrefix == "" {
		return errors.New("api prefix required")
	}
	return nil
}

// ErrInstallFailed 表示 install 阶段至少一个种子资源回源失败，静态分区未被写入任何种子。
var ErrInstallFailed = errors.New("install failed")
