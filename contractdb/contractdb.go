// Package contractdb persists contract records in a bbolt database. Records
// are stored as JSON under the temporary contract id, with a secondary index
// mapping the permanent contract id back to the primary key once it exists.
package contractdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/manager"
)

var (
	ErrContractBucketNotFound = errors.New("contract bucket not found")
	ErrIndexBucketNotFound    = errors.New("contract index bucket not found")
)

var (
	contractsBucket  = []byte("contracts")
	contractIDBucket = []byte("contract_ids")
)

// DB is a bbolt-backed manager.PersistenceGateway.
type DB struct {
	db *bolt.DB
}

var _ manager.PersistenceGateway = (*DB)(nil)

// Open opens or creates the database file and its buckets.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open contract db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(contractsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(contractIDBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying database file.
func (d *DB) Close() error { return d.db.Close() }

// Upsert writes the whole record atomically, refreshing the contract id
// index when the permanent id is set.
func (d *DB) Upsert(ctx context.Context, c *contract.Contract) error {
	if len(c.TemporaryID) != 32 {
		return fmt.Errorf("contract temporary id must be 32 bytes")
	}
	blob, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(contractsBucket)
		if b == nil {
			return ErrContractBucketNotFound
		}
		if err := b.Put(c.TemporaryID, blob); err != nil {
			return err
		}
		if len(c.ContractID) == 32 {
			idx := tx.Bucket(contractIDBucket)
			if idx == nil {
				return ErrIndexBucketNotFound
			}
			return idx.Put(c.ContractID, c.TemporaryID)
		}
		return nil
	})
}

// Get resolves a contract by temporary id or, through the index, by its
// permanent contract id.
func (d *DB) Get(ctx context.Context, id []byte) (*contract.Contract, error) {
	var c *contract.Contract
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(contractsBucket)
		if b == nil {
			return ErrContractBucketNotFound
		}
		blob := b.Get(id)
		if blob == nil {
			idx := tx.Bucket(contractIDBucket)
			if idx == nil {
				return ErrIndexBucketNotFound
			}
			if primary := idx.Get(id); primary != nil {
				blob = b.Get(primary)
			}
		}
		if blob == nil {
			return manager.ErrNotFound
		}
		c = new(contract.Contract)
		if err := json.Unmarshal(blob, c); err != nil {
			return fmt.Errorf("unmarshal contract: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListByState returns every contract whose state matches one of the given
// states, in primary key order.
func (d *DB) ListByState(ctx context.Context, states ...contract.State) ([]*contract.Contract, error) {
	want := make(map[contract.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*contract.Contract
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(contractsBucket)
		if b == nil {
			return ErrContractBucketNotFound
		}
		return b.ForEach(func(k, v []byte) error {
			var c contract.Contract
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshal contract %x: %w", k, err)
			}
			if len(want) == 0 || want[c.State] {
				out = append(out, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
