package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"ofzlend/services/lending/engine"
	"ofzlend/services/lending/portfolio"
)

var (
	bucketTransactions = []byte("transactions")
	bucketBonds        = []byte("bonds")
	bucketMeta         = []byte("meta")

	keyBondCursor  = []byte("bonds.next_block")
	keyIndexPrefix = []byte("tx.index.")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
)

// Store persists the transaction journal and the bond discovery cache.
type Store struct {
	db *bolt.DB
}

// Open opens (and migrates) the Bolt database at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTransactions, bucketBonds, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// recordKey orders records by submission time. The id suffix keeps keys
// unique for records submitted in the same nanosecond.
func recordKey(rec engine.Record) []byte {
	key := make([]byte, 8, 8+len(rec.ID))
	binary.BigEndian.PutUint64(key, uint64(rec.SubmittedAt.UnixNano()))
	return append(key, rec.ID...)
}

// SaveRecord upserts a journal record.
func (s *Store) SaveRecord(rec engine.Record) error {
	if rec.ID == "" {
		return errors.New("store: record id required")
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		indexKey := append(append([]byte(nil), keyIndexPrefix...), rec.ID...)
		key := recordKey(rec)
		if prev := meta.Get(indexKey); prev != nil && !bytes.Equal(prev, key) {
			if err := tx.Bucket(bucketTransactions).Delete(prev); err != nil {
				return err
			}
		}
		if err := meta.Put(indexKey, key); err != nil {
			return err
		}
		return tx.Bucket(bucketTransactions).Put(key, encoded)
	})
}

// Record fetches one record by id.
func (s *Store) Record(id string) (engine.Record, error) {
	var rec engine.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketMeta).Get(append(append([]byte(nil), keyIndexPrefix...), id...))
		if key == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketTransactions).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]engine.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	out := make([]engine.Record, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransactions).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec engine.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PendingRecord returns the newest record that was broadcast but never
// resolved. ok is false when there is nothing to resume.
func (s *Store) PendingRecord() (engine.Record, bool, error) {
	var (
		found engine.Record
		ok    bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransactions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec engine.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.State == engine.StatePending && rec.Hash != (common.Hash{}) {
				found, ok = rec, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// LoadBonds returns the cached bonds and the next block to scan.
func (s *Store) LoadBonds() ([]portfolio.Bond, uint64, error) {
	var (
		bonds []portfolio.Bond
		next  uint64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketMeta).Get(keyBondCursor); len(raw) == 8 {
			next = binary.BigEndian.Uint64(raw)
		}
		return tx.Bucket(bucketBonds).ForEach(func(_, v []byte) error {
			var bond portfolio.Bond
			if err := json.Unmarshal(v, &bond); err != nil {
				return err
			}
			bonds = append(bonds, bond)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	// the bucket is keyed by address; restore discovery order
	sort.SliceStable(bonds, func(i, j int) bool {
		if bonds[i].Block != bonds[j].Block {
			return bonds[i].Block < bonds[j].Block
		}
		return bytes.Compare(bonds[i].Token.Bytes(), bonds[j].Token.Bytes()) < 0
	})
	return bonds, next, nil
}

// SaveBonds stores discovered bonds and the scan cursor atomically.
func (s *Store) SaveBonds(bonds []portfolio.Bond, nextBlock uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBonds)
		for _, bond := range bonds {
			encoded, err := json.Marshal(bond)
			if err != nil {
				return err
			}
			if err := bucket.Put(bond.Token.Bytes(), encoded); err != nil {
				return err
			}
		}
		cursor := make([]byte, 8)
		binary.BigEndian.PutUint64(cursor, nextBlock)
		return tx.Bucket(bucketMeta).Put(keyBondCursor, cursor)
	})
}
