package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/budget-planner/offline-cache/internal/cache"
	"github.com/budget-planner/offline-cache/internal/logging"
)

// Install 预热静态分区：先并发拉取全部种子，全部成功后才逐条写入。
// 任一种子回源失败时返回 ErrInstallFailed，静态分区中不会出现任何种子条目。
// 写入阶段失败同样返回 ErrInstallFailed：本次新建的静态分区会被整体删除；
// 分区此前已存在时保留，其中已写入的条目均为本次成功回源的内容。
func (i *Interceptor) Install(ctx context.Context) error {
	started := time.Now()
	existed, err := i.partitionExists(ctx, i.static.Name())
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	if err := i.static.Open(ctx); err != nil {
		return fmt.Errorf("open partition %s: %w", i.static.Name(), err)
	}

	manifest := i.opts.SeedManifest
	seeds := make([]*Response, len(manifest))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.opts.SeedConcurrency)
	for idx, path := range manifest {
		idx, path := idx, path
		group.Go(func() error {
			resp, err := i.fetchSeed(groupCtx, path)
			if err != nil {
				return fmt.Errorf("seed %s: %w", path, err)
			}
			seeds[idx] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		i.logger.WithFields(logging.PartitionFields("install", i.static.Name())).
			WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	for idx, path := range manifest {
		if err := i.static.Put(ctx, cache.NewKey(http.MethodGet, path), seeds[idx].snapshot()); err != nil {
			i.logger.WithFields(logging.PartitionFields("install", i.static.Name())).
				WithField("url", path).
				WithError(err).Error("install_failed")
			if !existed {
				if _, delErr := i.store.Delete(ctx, i.static.Name()); delErr != nil {
					i.logger.WithFields(logging.PartitionFields("install", i.static.Name())).
						WithError(delErr).Warn("install_rollback_failed")
				}
			}
			return fmt.Errorf("%w: store seed %s: %w", ErrInstallFailed, path, err)
		}
	}

	i.logger.WithFields(logging.PartitionFields("install", i.static.Name())).
		WithField("seeds", len(manifest)).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("install_complete")
	return nil
}

// fetchSeed 以 reload 模式回源单个种子。网络错误与 5xx 按指数退避重试，其他非 2xx 直接失败。
func (i *Interceptor) fetchSeed(ctx context.Context, path string) (*Response, error) {
	req := &Request{
		Method: http.MethodGet,
		URL:    path,
		Header: http.Header{},
		Reload: true,
	}

	var seed *Response
	operation := func() error {
		resp, err := i.fetcher.Fetch(ctx, req)
		if err != nil {
			return err
		}
		if resp.Status >= http.StatusInternalServerError {
			return fmt.Errorf("upstream status %d", resp.Status)
		}
		if !resp.OK() {
			return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.Status))
		}
		seed = resp
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(i.newBackOff(), uint64(i.opts.MaxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		i.logger.WithFields(logging.PartitionFields("install", i.static.Name())).
			WithField("url", path).
			WithField("retry_in_ms", wait.Milliseconds()).
			WithError(err).Warn("seed_retry")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return seed, nil
}

func (i *Interceptor) partitionExists(ctx context.Context, name string) (bool, error) {
	names, err := i.store.Names(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range names {
		if existing == name {
			return true, nil
		}
	}
	return false, nil
}

func (i *Interceptor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.opts.InitialBackoff
	b.MaxInterval = 10 * i.opts.InitialBackoff
	// 重试次数由 WithMaxRetries 控制。
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Activate 删除不属于当前版本集合的全部分区，返回被删除的分区名。
func (i *Interceptor) Activate(ctx context.Context) ([]string, error) {
	names, err := i.store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	current := make(map[string]struct{}, 2)
	for _, name := range i.CurrentPartitions() {
		current[name] = struct{}{}
	}

	deleted := make([]string, 0)
	for _, name := range names {
		if _, keep := current[name]; keep {
			continue
		}
		removed, err := i.store.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete partition %s: %w", name, err)
		}
		if removed {
			deleted = append(deleted, name)
			i.logger.WithFields(logging.PartitionFields("activate", name)).Info("partition_deleted")
		}
	}

	i.logger.WithField("action", "activate").
		WithField("deleted", len(deleted)).
		Info("activate_complete")
	return deleted, nil
}
