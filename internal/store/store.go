// Package store implements the durable persistence layer for the lending
// engine: ordered key-value regions, one per entity kind, plus a monotonic
// id allocator whose persistence is atomic with the entity write it
// accompanies so a crash never leaves an allocated id invisible or
// double-assigned.
//
// The backing engine is modernc.org/sqlite, a pure-Go driver requiring no
// cgo toolchain. Records are RLP-encoded (github.com/ethereum/go-ethereum/rlp)
// before being stored as BLOBs, a self-describing, version-tolerant,
// length-prefixed codec that lets new fields be added to a record type
// without breaking decoders of older records.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	_ "modernc.org/sqlite"
)

// Store is a generic ordered key-value persistence layer over SQLite. All
// writes commit synchronously before the call returns.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the SQLite-backed stable store at path. Use ":memory:"
// for ephemeral/test instances.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single connection: transactions and statements run one at a time
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			region TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY(region, key)
		);`,
		`CREATE TABLE IF NOT EXISTS kv_list (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			region TEXT NOT NULL,
			list_key TEXT NOT NULL,
			value BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS kv_list_lookup ON kv_list(region, list_key, seq);`,
		`CREATE TABLE IF NOT EXISTS id_counters (
			kind TEXT PRIMARY KEY,
			next_id INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Tx is a single atomic unit of work against the store. Every entity mutation
// that also allocates an id (mint, apply, etc.) must use a Tx so the
// allocation and the entity write commit together.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a new transaction.
func (s *Store) Begin() (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Commit finalizes the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to call after Commit (no-op error
// ignored by callers using defer).
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// NextID allocates the next monotonic id for kind within the transaction.
// The counter row is created lazily starting at 1.
func (t *Tx) NextID(kind string) (uint64, error) {
	var next int64
	err := t.tx.QueryRow(`SELECT next_id FROM id_counters WHERE kind = ?`, kind).Scan(&next)
	if err == sql.ErrNoRows {
		next = 1
		if _, err := t.tx.Exec(`INSERT INTO id_counters(kind, next_id) VALUES (?, ?)`, kind, next+1); err != nil {
			return 0, err
		}
		return uint64(next), nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.Exec(`UPDATE id_counters SET next_id = ? WHERE kind = ?`, next+1, kind); err != nil {
		return 0, err
	}
	return uint64(next), nil
}

// CurrentID reports the next id that would be allocated for kind without
// consuming it. A missing counter row reports 1; existing ids are not
// scanned to recompute it.
func (s *Store) CurrentID(kind string) (uint64, error) {
	var next int64
	err := s.db.QueryRow(`SELECT next_id FROM id_counters WHERE kind = ?`, kind).Scan(&next)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(next), nil
}

// Put writes value under key in region within the transaction.
func (t *Tx) Put(region, key string, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", region, key, err)
	}
	_, err = t.tx.Exec(`INSERT INTO kv(region, key, value) VALUES (?, ?, ?)
		ON CONFLICT(region, key) DO UPDATE SET value = excluded.value`, region, key, encoded)
	return err
}

// Get reads the value stored under key in region into out, within the
// transaction (so callers can read-modify-write atomically).
func (t *Tx) Get(region, key string, out interface{}) (bool, error) {
	var raw []byte
	err := t.tx.QueryRow(`SELECT value FROM kv WHERE region = ? AND key = ?`, region, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("store: decode %s/%s: %w", region, key, err)
	}
	return true, nil
}

// Delete removes key from region within the transaction.
func (t *Tx) Delete(region, key string) error {
	_, err := t.tx.Exec(`DELETE FROM kv WHERE region = ? AND key = ?`, region, key)
	return err
}

// Append adds value to the ordered list identified by listKey within region.
func (t *Tx) Append(region, listKey string, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("store: encode list %s/%s: %w", region, listKey, err)
	}
	_, err = t.tx.Exec(`INSERT INTO kv_list(region, list_key, value) VALUES (?, ?, ?)`, region, listKey, encoded)
	return err
}

// Iterate walks every key in region within the transaction, in ascending
// key order. Used by callers that need a read-modify-write scan (e.g.
// collateral.Registry's token-id lookup by scanning CollateralRecord rows)
// without releasing the transaction in between.
func (t *Tx) Iterate(region string, fn func(key string, raw []byte) error) error {
	rows, err := t.tx.Query(`SELECT key, value FROM kv WHERE region = ? ORDER BY key`, region)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// --- Non-transactional convenience wrappers (single-statement read/writes) ---

// Put persists value under key in region in its own transaction.
func (s *Store) Put(region, key string, value interface{}) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	if err := tx.Put(region, key, value); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Get reads key from region into out.
func (s *Store) Get(region, key string, out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE region = ? AND key = ?`, region, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("store: decode %s/%s: %w", region, key, err)
	}
	return true, nil
}

// Delete removes key from region in its own transaction.
func (s *Store) Delete(region, key string) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	if err := tx.Delete(region, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Iterate walks every key in region in ascending key order, invoking fn with
// the raw encoded bytes for each. fn is responsible for RLP-decoding into the
// concrete type it expects.
func (s *Store) Iterate(region string, fn func(key string, raw []byte) error) error {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE region = ? ORDER BY key`, region)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// IterateList walks every entry appended under listKey in region in
// insertion order.
func (s *Store) IterateList(region, listKey string, fn func(raw []byte) error) error {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT value FROM kv_list WHERE region = ? AND list_key = ? ORDER BY seq`, region, listKey)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Append adds value to the ordered list identified by listKey within region,
// in its own transaction.
func (s *Store) Append(region, listKey string, value interface{}) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	if err := tx.Append(region, listKey, value); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// TruncateListHead deletes the oldest n entries from the list, used by the
// audit log's FIFO cleanup.
func (s *Store) TruncateListHead(region, listKey string, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv_list WHERE seq IN (
		SELECT seq FROM kv_list WHERE region = ? AND list_key = ? ORDER BY seq LIMIT ?
	)`, region, listKey, n)
	return err
}

// ListLen reports the number of entries currently stored under listKey.
func (s *Store) ListLen(region, listKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM kv_list WHERE region = ? AND list_key = ?`, region, listKey).Scan(&n)
	return n, err
}

// Regions identify the distinct logical partitions of the key-value space,
// one per entity kind. Region identifiers must never be renumbered or
// reused across releases; adding a new entity kind allocates a fresh one.
// Encoded here as descriptive strings instead of raw integers for
// readability. Stability of the identifier is what matters, not the
// literal representation.
const (
	RegionNFT          = "1_nft"
	RegionCollateral   = "2_collateral"
	RegionAudit        = "3_audit"
	RegionConfig       = "4_config"
	RegionLoan         = "5_loan"
	RegionParameters   = "6_parameters"
	RegionPool         = "7_pool"
	RegionInvestor     = "8_investor"
	RegionOracle      = "9_oracle"
	RegionIdempotency = "10_idempotency"
	RegionLiquidation = "11_liquidation"
)
