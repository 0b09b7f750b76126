package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/budget-planner/offline-cache/internal/cache"
	"github.com/budget-planner/offline-cache/internal/logging"
)

// Interceptor 持有静态与动态两个分区句柄，并负责把请求路由到对应策略。
type Interceptor struct {
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger
	opts    Options

	static  cache.Partition
	dynamic cache.Partition

	// background 承载脱离请求生命周期的后台刷新。
	background context.Context
	inflight   sync.WaitGroup
}

// New 构造拦截器。动态分区不会在此创建，首次写入时才出现。
func New(store cache.Store, fetcher Fetcher, logger *logrus.Logger, opts Options) (*Interceptor, error) {
	if store == nil {
		return nil, errors.New("cache store required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	opts.SeedManifest = append([]string(nil), opts.SeedManifest...)
	return &Interceptor{
		store:      store,
		fetcher:    fetcher,
		logger:     logger,
		opts:       opts,
		static:     cache.NewPartition(store, opts.StaticPartition),
		dynamic:    cache.NewPartition(store, opts.DynamicPartition),
		background: context.Background(),
	}, nil
}

// Options 返回生效中的配置副本。
func (i *Interceptor) Options() Options {
	out := i.opts
	out.SeedManifest = append([]string(nil), i.opts.SeedManifest...)
	return out
}

// CurrentPartitions 返回当前版本集合：activate 之后只有这些分区会被保留。
func (i *Interceptor) CurrentPartitions() []string {
	return []string{i.opts.StaticPartition, i.opts.DynamicPartition}
}

// Classify 判定请求的缓存策略：非 GET 直通；路径包含 API 前缀走 SWR；其余 Cache-First。
func (i *Interceptor) Classify(req *Request) Strategy {
	if req == nil || !strings.EqualFold(req.Method, http.MethodGet) {
		return StrategyPassthrough
	}
	if strings.Contains(req.Path(), i.opts.APIPrefix) {
		return StrategyStaleWhileRevalidate
	}
	return StrategyCacheFirst
}

// Handle 为一次请求产出响应。只有在既无缓存又无法回源（且没有可用回退）时才返回 error。
func (i *Interceptor) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	switch i.Classify(req) {
	case StrategyStaleWhileRevalidate:
		return i.staleWhileRevalidate(ctx, req)
	case StrategyCacheFirst:
		return i.cacheFirst(ctx, req)
	default:
		return i.passthrough(ctx, req)
	}
}

// Wait 阻塞直到所有后台刷新结束，供优雅退出与测试使用。
func (i *Interceptor) Wait() {
	i.inflight.Wait()
}

type fetchResult struct {
	resp *Response
	err  error
}

// staleWhileRevalidate 先发起回源再查缓存：命中立即返回旧值，回源结果在后台覆盖写入。
func (i *Interceptor) staleWhileRevalidate(ctx context.Context, req *Request) (*Response, error) {
	key := req.Key()
	results := make(chan fetchResult, 1)

	i.inflight.Add(1)
	go func() {
		defer i.inflight.Done()
		resp, err := i.fetcher.Fetch(i.background, req)
		results <- fetchResult{resp: resp, err: err}
		if err != nil {
			i.logger.WithFields(i.requestFields(i.dynamic, StrategyStaleWhileRevalidate, req, false)).
				WithError(err).Debug("revalidate_failed")
			return
		}
		i.store2xx(i.background, i.dynamic, StrategyStaleWhileRevalidate, req, resp)
	}()

	cached, err := i.dynamic.Match(ctx, key)
	if err == nil {
		i.logger.WithFields(i.requestFields(i.dynamic, StrategyStaleWhileRevalidate, req, true)).Debug("cache_hit")
		return responseFromSnapshot(cached, SourceCache, StrategyStaleWhileRevalidate), nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		i.logger.WithFields(i.requestFields(i.dynamic, StrategyStaleWhileRevalidate, req, false)).
			WithError(err).Warn("cache_match_failed")
	}

	select {
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.URL, res.err)
		}
		res.resp.Source = SourceNetwork
		res.resp.Strategy = StrategyStaleWhileRevalidate
		return res.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cacheFirst 命中即返回；未命中回源，成功响应同步写入静态分区后再返回。
func (i *Interceptor) cacheFirst(ctx context.Context, req *Request) (*Response, error) {
	key := req.Key()
	cached, err := i.static.Match(ctx, key)
	if err == nil {
		i.logger.WithFields(i.requestFields(i.static, StrategyCacheFirst, req, true)).Debug("cache_hit")
		return responseFromSnapshot(cached, SourceCache, StrategyCacheFirst), nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		i.logger.WithFields(i.requestFields(i.static, StrategyCacheFirst, req, false)).
			WithError(err).Warn("cache_match_failed")
	}

	resp, err := i.fetcher.Fetch(ctx, req)
	if err != nil {
		if req.Navigate {
			if fallback := i.fallback(ctx); fallback != nil {
				i.logger.WithFields(i.requestFields(i.static, StrategyCacheFirst, req, false)).
					WithError(err).Info("navigation_fallback")
				return fallback, nil
			}
		}
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	i.store2xx(ctx, i.static, StrategyCacheFirst, req, resp)
	resp.Source = SourceNetwork
	resp.Strategy = StrategyCacheFirst
	return resp, nil
}

func (i *Interceptor) passthrough(ctx context.Context, req *Request) (*Response, error) {
	resp, err := i.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	resp.Source = SourceNetwork
	resp.Strategy = StrategyPassthrough
	return resp, nil
}

// fallback 返回静态分区中的离线外壳页面；缺失时返回 nil。
func (i *Interceptor) fallback(ctx context.Context) *Response {
	snapshot, err := i.static.Match(ctx, cache.NewKey(http.MethodGet, i.opts.FallbackPath))
	if err != nil {
		return nil
	}
	return responseFromSnapshot(snapshot, SourceFallback, StrategyCacheFirst)
}

// store2xx 只写入 2xx 且不超过体积上限的响应；写入失败仅记录日志。
func (i *Interceptor) store2xx(ctx context.Context, partition cache.Partition, strategy Strategy, req *Request, resp *Response) {
	if !i.storable(resp) {
		return
	}
	if err := partition.Put(ctx, req.Key(), resp.snapshot()); err != nil {
		i.logger.WithFields(i.requestFields(partition, strategy, req, false)).
			WithError(err).Warn("cache_store_failed")
	}
}

func (i *Interceptor) storable(resp *Response) bool {
	if !resp.OK() {
		return false
	}
	if i.opts.MaxEntryBytes > 0 && int64(len(resp.Body)) > i.opts.MaxEntryBytes {
		return false
	}
	return true
}

func (i *Interceptor) requestFields(partition cache.Partition, strategy Strategy, req *Request, hit bool) logrus.Fields {
	return logging.RequestFields(partition.Name(), string(strategy), req.Method, req.Key().String(), hit)
}
