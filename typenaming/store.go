package typenaming

import (
	"context"
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
)

var bucketRoot = []byte("graphwire.types")

// Entry is one published type.
type Entry struct {
	Name string
	ID   graphwire.TypeID
}

// Store is a type catalog persisted in a bbolt file. Each namespace holds
// the catalog of one sender; receivers open the same file read-only and
// query it by namespace.
type Store struct {
	db        *bbolt.DB
	namespace []byte
}

// StoreOptions configures OpenStore.
type StoreOptions struct {
	Namespace string
	ReadOnly  bool
	Timeout   time.Duration
}

// OpenStore opens or creates the catalog file at path.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	if opts.Namespace == "" {
		return nil, errors.InvalidInput(errors.PhaseNaming, "store namespace is empty")
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: opts.Timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseNaming, errors.KindInvalidInput, err, "open type store")
	}
	return &Store{db: db, namespace: []byte(opts.Namespace)}, nil
}

func idKey(id graphwire.TypeID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// Publish replaces the namespace's catalog with entries.
func (s *Store) Publish(entries []Entry) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketRoot)
		if err != nil {
			return err
		}
		if root.Bucket(s.namespace) != nil {
			if err := root.DeleteBucket(s.namespace); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket(s.namespace)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := b.Put(idKey(e.ID), []byte(e.Name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.PhaseNaming, errors.KindInvalidData, err, "publish types")
	}
	Logger().Debug("published type catalog",
		zap.ByteString("namespace", s.namespace),
		zap.Int("types", len(entries)))
	return nil
}

// NameOf implements typebridge.Namer.
func (s *Store) NameOf(ctx context.Context, id graphwire.TypeID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(errors.PhaseNaming, errors.KindCanceled, err, "name lookup")
	}
	var name string
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketRoot)
		if root == nil {
			return notFound(id)
		}
		b := root.Bucket(s.namespace)
		if b == nil {
			return notFound(id)
		}
		v := b.Get(idKey(id))
		if v == nil {
			return notFound(id)
		}
		name = string(v)
		return nil
	})
	return name, err
}

// Len returns the number of types in the namespace.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		if root := tx.Bucket(bucketRoot); root != nil {
			if b := root.Bucket(s.namespace); b != nil {
				n = b.Stats().KeyN
			}
		}
		return nil
	})
	return n, err
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}
