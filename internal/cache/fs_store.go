package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const entrySuffix = ".entry"

// NewFileStore 以 basePath 为根目录构建磁盘缓存：每个分区一个目录，每条记录一个 JSON 文件。
//
//	<basePath>/<partition>/<sha1(key)>.entry
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errors.Wrap(err, "resolve storage path")
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage path")
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Key 并发写入同一临时文件路径。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileEnvelope 是磁盘上的单条记录格式；Key 原文用于 Keys() 列举。
type fileEnvelope struct {
	Key      Key      `json:"key"`
	Snapshot Snapshot `json:"snapshot"`
}

func (s *fileStore) Open(ctx context.Context, partition string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	dir, err := s.partitionDir(partition)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "open partition %s", partition)
}

func (s *fileStore) Match(ctx context.Context, partition string, key Key) (*Snapshot, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "stat cache entry")
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	envelope, err := readEnvelope(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if envelope.Key != key {
		// sha1 冲突极不可能发生，但命中错误的 Key 时按未命中处理。
		return nil, ErrNotFound
	}
	snapshot := envelope.Snapshot.Clone()
	return &snapshot, nil
}

func (s *fileStore) Put(ctx context.Context, partition string, key Key, snapshot Snapshot) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(partition, key)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "open partition %s", partition)
	}

	payload, err := json.Marshal(fileEnvelope{Key: key, Snapshot: snapshot})
	if err != nil {
		return errors.Wrap(err, "encode cache entry")
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return errors.Wrap(err, "create temp entry")
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return errors.Wrap(err, "write temp entry")
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return errors.Wrap(err, "commit cache entry")
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, partition string) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(partition)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat partition %s", partition)
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, errors.Wrapf(err, "delete partition %s", partition)
	}
	return true, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Keys(ctx context.Context, partition string) ([]Key, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(partition)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "list partition %s", partition)
	}

	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		envelope, err := readEnvelope(filepath.Join(dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, envelope.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(partition string, key Key) func() {
	lockKey := partition + "::" + string(key)
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) partitionDir(partition string) (string, error) {
	if err := validatePartition(partition); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, partition), nil
}

func (s *fileStore) entryPath(partition string, key Key) (string, error) {
	dir, err := s.partitionDir(partition)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+entrySuffix), nil
}

func readEnvelope(path string) (fileEnvelope, error) {
	var envelope fileEnvelope
	data, err := os.ReadFile(path)
	if err != nil {
		return envelope, err
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return envelope, errors.Wrapf(err, "decode cache entry %s", filepath.Base(path))
	}
	return envelope, nil
}
