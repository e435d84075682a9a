package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
)

var snapshotPrefix = []byte("snapshot/")

// BadgerStore keeps snapshots under snapshot/<sender>. Each value is the
// 8-byte unix-nano update time followed by the payload.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("could not open snapshot db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func OpenBadgerInMemory() (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("could not open snapshot db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func snapshotKey(sender string) []byte {
	return append(append([]byte{}, snapshotPrefix...), sender...)
}

func encodeValue(at time.Time, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(out[:8], uint64(at.UnixNano()))
	copy(out[8:], data)
	return out
}

func decodeValue(sender string, val []byte) (Snapshot, error) {
	if len(val) < 8 {
		return Snapshot{}, fmt.Errorf("corrupt snapshot value for %s", sender)
	}
	ns := binary.BigEndian.Uint64(val[:8])
	data := make([]byte, len(val)-8)
	copy(data, val[8:])
	return Snapshot{Sender: sender, Data: data, UpdatedAt: time.Unix(0, int64(ns))}, nil
}

func (s *BadgerStore) Replace(sender string, data []byte) error {
	if err := ValidateSender(sender); err != nil {
		return err
	}
	val := encodeValue(time.Now(), data)
	return s.db.Update(func(tx *badger.Txn) error {
		if err := tx.Set(snapshotKey(sender), val); err != nil {
			return fmt.Errorf("could not store snapshot: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) Get(sender string) (Snapshot, error) {
	if err := ValidateSender(sender); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(snapshotKey(sender))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, sender)
			}
			return fmt.Errorf("could not load snapshot: %w", err)
		}
		return item.Value(func(val []byte) error {
			snap, err = decodeValue(sender, val)
			return err
		})
	})
	return snap, err
}

func (s *BadgerStore) List() ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = snapshotPrefix
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Seek(snapshotPrefix); it.ValidForPrefix(snapshotPrefix); it.Next() {
			item := it.Item()
			sender := string(item.Key()[len(snapshotPrefix):])
			err := item.Value(func(val []byte) error {
				snap, err := decodeValue(sender, val)
				if err != nil {
					return err
				}
				out = append(out, snap)
				return nil
			})
			if err != nil {
				return fmt.Errorf("could not read snapshot: %w", err)
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Delete(sender string) error {
	if err := ValidateSender(sender); err != nil {
		return err
	}
	return s.db.Update(func(tx *badger.Txn) error {
		if _, err := tx.Get(snapshotKey(sender)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, sender)
			}
			return err
		}
		return tx.Delete(snapshotKey(sender))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
