package cache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Store 管理一组命名分区。每个分区内同一个 Key 至多一条记录，写入整条替换（后写覆盖）。
type Store interface {
	// Open 创建分区（若已存在则无操作）。
	Open(ctx context.Context, partition string) error

	// Match 返回分区中 key 对应的快照。分区或条目不存在时返回 ErrNotFound，且不会创建分区。
	Match(ctx context.Context, partition string, key Key) (*Snapshot, error)

	// Put 写入快照，分区不存在时自动创建。
	Put(ctx context.Context, partition string, key Key, snapshot Snapshot) error

	// Delete 删除整个分区及其全部条目，返回分区此前是否存在。
	Delete(ctx context.Context, partition string) (bool, error)

	// Names 返回按名称排序的全部分区名。
	Names(ctx context.Context) ([]string, error)

	// Keys 返回分区内全部 Key（排序）。分区不存在时返回 ErrNotFound。
	Keys(ctx context.Context, partition string) ([]Key, error)

	Close() error
}

// Key 唯一定位分区内的一条缓存记录，格式为 "METHOD URL"。
type Key string

// NewKey 由请求方法与源站相对 URL（含 query）构造 Key。
func NewKey(method, url string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if url == "" {
		url = "/"
	}
	return Key(method + " " + url)
}

// String 实现 fmt.Stringer。
func (k Key) String() string {
	return string(k)
}

// Snapshot 是一次成功回源响应的完整副本。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回深拷贝，避免调用方修改共享的 Header/Body。
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// ErrNotFound 表示条目或分区不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidPartition 表示分区名为空或包含路径分隔符等非法字符。
var ErrInvalidPartition = errors.New("invalid partition name")

// 支持的存储驱动，与配置中的 StorageDriver 对应。
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// NewStore 根据驱动名创建分区存储。sqlite 驱动下若 path 为已存在目录，则在其中创建 cache.db。
func NewStore(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFile:
		return NewFileStore(path)
	case DriverSQLite:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, "cache.db")
		}
		return NewSQLiteStore(path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unsupported storage driver %q", driver)
	}
}

func validatePartition(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.Wrapf(ErrInvalidPartition, "%q", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidPartition, "%q", name)
	}
	return nil
}

func contextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
