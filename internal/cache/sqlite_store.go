package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// 正文超过该阈值时以 zstd 压缩后写入 body 列。
const compressThreshold = 1024

const encodingZstd = "zstd"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS partitions (
	   name TEXT PRIMARY KEY,
	   created_at INTEGER NOT NULL
	 )`,
	`CREATE TABLE IF NOT EXISTS entries (
	   partition_name TEXT NOT NULL REFERENCES partitions(name) ON DELETE CASCADE,
	   cache_key TEXT NOT NULL,
	   status INTEGER NOT NULL,
	   header TEXT NOT NULL,
	   body BLOB NOT NULL,
	   encoding TEXT NOT NULL DEFAULT '',
	   stored_at INTEGER NOT NULL,
	   PRIMARY KEY (partition_name, cache_key)
	 )`,
}

// sqliteStore 将全部分区持久化到单个 SQLite 文件，便于单文件部署与备份。
type sqliteStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewSQLiteStore 打开（或创建）SQLite 数据库并初始化表结构。
func NewSQLiteStore(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "apply sqlite schema")
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, errors.Wrap(err, "init zstd decoder")
	}

	return &sqliteStore{db: db, enc: enc, dec: dec}, nil
}

func (s *sqliteStore) Open(ctx context.Context, partition string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	if err := validatePartition(partition); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO partitions (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		partition, time.Now().UTC().UnixMilli(),
	)
	return errors.Wrapf(err, "open partition %s", partition)
}

func (s *sqliteStore) Match(ctx context.Context, partition string, key Key) (*Snapshot, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	var (
		status   int
		header   string
		body     []byte
		encoding string
		storedAt int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, encoding, stored_at
		   FROM entries
		  WHERE partition_name = ? AND cache_key = ?`,
		partition, string(key),
	)
	if err := row.Scan(&status, &header, &body, &encoding, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "query cache entry")
	}

	snapshot := Snapshot{
		Status:   status,
		Header:   http.Header{},
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(header), &snapshot.Header); err != nil {
		return nil, errors.Wrap(err, "decode cached header")
	}
	decoded, err := s.decodeBody(body, encoding)
	if err != nil {
		return nil, err
	}
	snapshot.Body = decoded
	return &snapshot, nil
}

func (s *sqliteStore) Put(ctx context.Context, partition string, key Key, snapshot Snapshot) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	if err := validatePartition(partition); err != nil {
		return err
	}

	header := snapshot.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode cached header")
	}
	body, encoding := s.encodeBody(snapshot.Body)
	storedAt := snapshot.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO partitions (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		partition, time.Now().UTC().UnixMilli(),
	); err != nil {
		return errors.Wrapf(err, "open partition %s", partition)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (partition_name, cache_key, status, header, body, encoding, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition_name, cache_key) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   encoding = excluded.encoding,
		   stored_at = excluded.stored_at`,
		partition, string(key), snapshot.Status, string(headerJSON), body, encoding, storedAt.UTC().UnixMilli(),
	); err != nil {
		return errors.Wrap(err, "upsert cache entry")
	}
	return errors.Wrap(tx.Commit(), "commit cache entry")
}

func (s *sqliteStore) Delete(ctx context.Context, partition string) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition_name = ?`, partition); err != nil {
		return false, errors.Wrapf(err, "delete entries of %s", partition)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, partition)
	if err != nil {
		return false, errors.Wrapf(err, "delete partition %s", partition)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit delete")
	}
	return affected > 0, nil
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan partition")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "iterate partitions")
}

func (s *sqliteStore) Keys(ctx context.Context, partition string) ([]Key, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM partitions WHERE name = ?`, partition).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup partition")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key FROM entries WHERE partition_name = ? ORDER BY cache_key`, partition)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	defer rows.Close()

	keys := make([]Key, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, Key(key))
	}
	return keys, errors.Wrap(rows.Err(), "iterate keys")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

func (s *sqliteStore) encodeBody(body []byte) ([]byte, string) {
	if len(body) <= compressThreshold {
		if body == nil {
			return []byte{}, ""
		}
		return body, ""
	}
	compressed := s.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
	if len(compressed) >= len(body) {
		return body, ""
	}
	return compressed, encodingZstd
}

func (s *sqliteStore) decodeBody(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return body, nil
	case encodingZstd:
		decoded, err := s.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, errors.Wrap(err, "decompress cached body")
		}
		return decoded, nil
	default:
		return nil, errors.Errorf("unknown body encoding %q", encoding)
	}
}
