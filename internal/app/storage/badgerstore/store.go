// Package badgerstore persists the grant table, lapp metadata, gossip
// watermarks and per-lapp key-value namespaces in an embedded Badger
// database. Module bytes are content-addressed by their hash.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/storage"
)

const (
	prefixGrant     = "grant/"
	prefixLapp      = "lapp/"
	prefixModule    = "module/"
	prefixWatermark = "wm/"
	prefixKV        = "kv/"
)

// Store is a Badger-backed implementation of the storage interfaces.
type Store struct {
	db *badger.DB
}

var _ storage.GrantStore = (*Store)(nil)
var _ storage.LappStore = (*Store)(nil)
var _ storage.WatermarkStore = (*Store)(nil)
var _ storage.KVStore = (*Store)(nil)

// Open opens or creates the database under dir. SyncWrites stays on so grant
// and watermark writes are durable before the call returns.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GrantStore implementation --------------------------------------------------

func (s *Store) PutGrant(_ context.Context, grant capability.Grant) error {
	raw, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixGrant + grant.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("grant %s already exists", grant.ID)
		}
		return txn.Set(key, raw)
	})
}

func (s *Store) DeleteGrant(_ context.Context, grantID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixGrant + grantID)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return fmt.Errorf("grant %s not found", grantID)
		}
		return txn.Delete(key)
	})
}

func (s *Store) DeleteGrantsForLapp(ctx context.Context, lappID string) error {
	grants, err := s.ListGrants(ctx)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, grant := range grants {
			if grant.LappID != lappID {
				continue
			}
			if err := txn.Delete([]byte(prefixGrant + grant.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListGrants(_ context.Context) ([]capability.Grant, error) {
	var result []capability.Grant
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixGrant)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var grant capability.Grant
			if err := json.Unmarshal(raw, &grant); err != nil {
				return fmt.Errorf("decode grant %s: %w", it.Item().Key(), err)
			}
			result = append(result, grant)
		}
		return nil
	})
	return result, err
}

// LappStore implementation ---------------------------------------------------

func (s *Store) PutLapp(_ context.Context, l lapp.Lapp) error {
	module := l.Module
	meta, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lapp %s: %w", l.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixLapp+l.ID), meta); err != nil {
			return err
		}
		if len(module) > 0 {
			return txn.Set([]byte(prefixModule+l.ModuleHash), module)
		}
		return nil
	})
}

func (s *Store) GetLapp(_ context.Context, id string) (lapp.Lapp, error) {
	var result lapp.Lapp
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixLapp + id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode lapp %s: %w", id, err)
		}
		return s.loadModule(txn, &result)
	})
	return result, err
}

func (s *Store) ListLapps(_ context.Context) ([]lapp.Lapp, error) {
	var result []lapp.Lapp
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixLapp)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var l lapp.Lapp
			if err := json.Unmarshal(raw, &l); err != nil {
				return fmt.Errorf("decode lapp %s: %w", it.Item().Key(), err)
			}
			if err := s.loadModule(txn, &l); err != nil {
				return err
			}
			result = append(result, l)
		}
		return nil
	})
	return result, err
}

func (s *Store) loadModule(txn *badger.Txn, l *lapp.Lapp) error {
	if l.ModuleHash == "" {
		return nil
	}
	item, err := txn.Get([]byte(prefixModule + l.ModuleHash))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	l.Module, err = item.ValueCopy(nil)
	return err
}

func (s *Store) DeleteLapp(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixLapp + id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("lapp %s: %w", id, lapp.ErrNotFound)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var l lapp.Lapp
		if err := json.Unmarshal(raw, &l); err == nil && l.ModuleHash != "" {
			_ = txn.Delete([]byte(prefixModule + l.ModuleHash))
		}
		return txn.Delete(key)
	})
}

// WatermarkStore implementation ----------------------------------------------

func (s *Store) Watermark(_ context.Context, topic, origin string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(watermarkKey(topic, origin))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(raw) == 8 {
			seq = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return seq, err
}

func (s *Store) SetWatermark(_ context.Context, topic, origin string, seq uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, seq)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(watermarkKey(topic, origin), raw)
	})
}

func watermarkKey(topic, origin string) []byte {
	return []byte(prefixWatermark + topic + "/" + origin)
}

// KVStore implementation -----------------------------------------------------

func (s *Store) KVPut(_ context.Context, lappID, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(lappID, key), value)
	})
}

func (s *Store) KVGet(_ context.Context, lappID, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(lappID, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		found = err == nil
		return err
	})
	return value, found, err
}

func (s *Store) KVDelete(_ context.Context, lappID, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kvKey(lappID, key))
	})
}

func kvKey(lappID, key string) []byte {
	return []byte(prefixKV + lappID + "/" + key)
}
