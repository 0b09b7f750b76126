package cache

import (
	"context"
	"time"
)

// Partition 是绑定到某个分区名的轻量句柄，拦截器通过它读写，而不是依赖全局分区注册表。
type Partition struct {
	store Store
	name  string
	now   func() time.Time
}

// NewPartition 构造分区句柄；仅记录名称，不会创建底层分区。
func NewPartition(store Store, name string) Partition {
	return Partition{
		store: store,
		name:  name,
		now:   time.Now,
	}
}

// Name 返回分区名。
func (p Partition) Name() string {
	return p.name
}

// Open 显式创建分区。
func (p Partition) Open(ctx context.Context) error {
	return p.store.Open(ctx, p.name)
}

// Match 查找 key 对应的快照。
func (p Partition) Match(ctx context.Context, key Key) (*Snapshot, error) {
	return p.store.Match(ctx, p.name, key)
}

// Put 写入快照；StoredAt 为空时使用当前时间。
func (p Partition) Put(ctx context.Context, key Key, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = p.now().UTC()
	}
	return p.store.Put(ctx, p.name, key, snapshot)
}

// Keys 返回分区内全部 Key。
func (p Partition) Keys(ctx context.Context) ([]Key, error) {
	return p.store.Keys(ctx, p.name)
}
