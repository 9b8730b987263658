package records

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/edna-db/edna/edna/encryption"
)

// BoltStore keeps the Controller's state in a bbolt file, separate from the
// application database.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

type boltPrincipal struct {
	PubKey   []byte `codec:"pubkey,omitempty"`
	IsAnon   bool   `codec:"anon"`
	LocIndex string `codec:"locindex"`
	Forget   bool   `codec:"forget"`
}

// NewBoltStore opens or creates the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open record store %s", path)
	}
	return &BoltStore{db: db}, nil
}

// Init creates the buckets.
func (s *BoltStore) Init(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{PrincipalsName, LocatorsName, BagsName, SharesName, SharedObjectsName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", name)
			}
		}
		return nil
	})
}

// Principals loads every principal.
func (s *BoltStore) Principals(ctx context.Context) (map[string]*PrincipalData, error) {
	out := make(map[string]*PrincipalData)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(PrincipalsName)).ForEach(func(k, v []byte) error {
			var p boltPrincipal
			if err := decode(v, &p); err != nil {
				return err
			}
			out[string(k)] = &PrincipalData{PubKey: p.PubKey, IsAnon: p.IsAnon, LocIndex: p.LocIndex, Forget: p.Forget}
			return nil
		})
	})
	return out, err
}

// PutPrincipal inserts or replaces a principal.
func (s *BoltStore) PutPrincipal(ctx context.Context, uid string, p *PrincipalData) error {
	data, err := encode(boltPrincipal{PubKey: p.PubKey, IsAnon: p.IsAnon, LocIndex: p.LocIndex, Forget: p.Forget})
	if err != nil {
		return err
	}
	return s.put(PrincipalsName, []byte(uid), data)
}

// DeletePrincipal removes a principal.
func (s *BoltStore) DeletePrincipal(ctx context.Context, uid string) error {
	return s.del(PrincipalsName, []byte(uid))
}

// AddLocator adds a ciphertext to the locator set at index. Each set is a
// nested bucket keyed by the hash of the ciphertext.
func (s *BoltStore) AddLocator(ctx context.Context, index string, ciphertext []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket([]byte(LocatorsName)).CreateBucketIfNotExists([]byte(index))
		if err != nil {
			return err
		}
		return b.Put(encryption.Hash(ciphertext), ciphertext)
	})
}

// Locators returns the locator set at index.
func (s *BoltStore) Locators(ctx context.Context, index string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(LocatorsName)).Bucket([]byte(index))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

// DeleteLocator removes one ciphertext from the locator set at index.
func (s *BoltStore) DeleteLocator(ctx context.Context, index string, ciphertext []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(LocatorsName)).Bucket([]byte(index))
		if b == nil {
			return nil
		}
		return b.Delete(encryption.Hash(ciphertext))
	})
}

// DeleteLocators removes the whole locator set at index.
func (s *BoltStore) DeleteLocators(ctx context.Context, index string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(LocatorsName))
		if parent.Bucket([]byte(index)) == nil {
			return nil
		}
		return parent.DeleteBucket([]byte(index))
	})
}

// PutBag stores a bag ciphertext.
func (s *BoltStore) PutBag(ctx context.Context, id uint64, ciphertext []byte) error {
	return s.put(BagsName, idKey(id), ciphertext)
}

// GetBag returns a bag ciphertext or nil.
func (s *BoltStore) GetBag(ctx context.Context, id uint64) ([]byte, error) {
	return s.get(BagsName, idKey(id))
}

// DeleteBag removes a bag.
func (s *BoltStore) DeleteBag(ctx context.Context, id uint64) error {
	return s.del(BagsName, idKey(id))
}

// PutShare stores a sealed share.
func (s *BoltStore) PutShare(ctx context.Context, index string, share []byte) error {
	return s.put(SharesName, []byte(index), share)
}

// GetShare returns a sealed share or nil.
func (s *BoltStore) GetShare(ctx context.Context, index string) ([]byte, error) {
	return s.get(SharesName, []byte(index))
}

// PutSharedObject stores a shared-object entry.
func (s *BoltStore) PutSharedObject(ctx context.Context, key string, data []byte) error {
	return s.put(SharedObjectsName, []byte(key), data)
}

// GetSharedObject returns a shared-object entry or nil.
func (s *BoltStore) GetSharedObject(ctx context.Context, key string) ([]byte, error) {
	return s.get(SharedObjectsName, []byte(key))
}

// DeleteSharedObject removes a shared-object entry.
func (s *BoltStore) DeleteSharedObject(ctx context.Context, key string) error {
	return s.del(SharedObjectsName, []byte(key))
}

// Usage sums key and value sizes per bucket.
func (s *BoltStore) Usage(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range []string{PrincipalsName, LocatorsName, BagsName, SharesName, SharedObjectsName} {
			out[name] = bucketSize(tx.Bucket([]byte(name)))
		}
		return nil
	})
	return out, err
}

// Close closes the bbolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func bucketSize(b *bolt.Bucket) int64 {
	var n int64
	b.ForEach(func(k, v []byte) error {
		n += int64(len(k))
		if v == nil {
			if nested := b.Bucket(k); nested != nil {
				n += bucketSize(nested)
			}
			return nil
		}
		n += int64(len(v))
		return nil
	})
	return n
}

func (s *BoltStore) put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, value)
	})
}

func (s *BoltStore) get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucket)).Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) del(bucket string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete(key)
	})
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}
