// Package cache implements named cache partitions: isolated key-value stores
// that map a request identity (method + URL) to the last successful response
// snapshot. Three backends share the Store contract: a directory-per-partition
// file store (temp file + rename), a SQLite store with zstd-compressed bodies,
// and an in-memory store. Partitions are created lazily on first write and are
// only ever removed as a whole; there is no per-entry expiry.
package cache
