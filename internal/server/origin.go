package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/budget-planner/offline-cache/internal/interceptor"
)

// OriginFetcher 把拦截器的请求转发到配置的源站，是 interceptor.Fetcher 的生产实现。
type OriginFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewOriginFetcher 解析源站地址并绑定共享 client。
func NewOriginFetcher(client *http.Client, origin string) (*OriginFetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	parsed, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("origin must be http or https: %s", origin)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("origin host missing: %s", origin)
	}
	return &OriginFetcher{client: client, origin: parsed}, nil
}

// Origin returns the base URL requests are resolved against.
func (f *OriginFetcher) Origin() string {
	return f.origin.String()
}

// Fetch 执行一次回源并完整读取正文。只有连接或读取失败才返回 error。
func (f *OriginFetcher) Fetch(ctx context.Context, req *interceptor.Request) (*interceptor.Response, error) {
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Host")
	// 由 Transport 自行协商并解压，分区中只保存解码后的正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = f.origin.Host
	if host := req.Header.Get("Host"); host != "" {
		upstreamReq.Header.Set("X-Forwarded-Host", host)
	}
	if proto := req.Header.Get("X-Forwarded-Proto"); proto == "" {
		upstreamReq.Header.Set("X-Forwarded-Proto", "http")
	}
	if req.Reload {
		upstreamReq.Header.Set("Cache-Control", "no-cache")
		upstreamReq.Header.Set("Pragma", "no-cache")
		upstreamReq.Header.Del("If-None-Match")
		upstreamReq.Header.Del("If-Modified-Since")
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &interceptor.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

func (f *OriginFetcher) resolve(raw string) (string, error) {
	if raw == "" {
		raw = "/"
	}
	if !strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("request url must be origin-relative: %s", raw)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	target := *f.origin
	target.Path = strings.TrimRight(f.origin.Path, "/") + ref.Path
	target.RawPath = ""
	target.RawQuery = ref.RawQuery
	return target.String(), nil
}
