package snapshot

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccounts = []byte("accounts")

	// ErrNotCached is returned when no snapshot has been persisted for the
	// wallet key yet.
	ErrNotCached = errors.New("snapshot: not cached")
)

// Store persists the last reconciled account list per wallet key so the
// daemon can serve a last-known view before the first fetch completes.
type Store struct {
	db *bolt.DB
}

type cachedSnapshot struct {
	Accounts  []CreditAccount `json:"accounts"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// OpenStore initialises the BoltDB-backed cache at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccounts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put replaces the cached snapshot for the wallet key.
func (s *Store) Put(walletKey string, accounts []CreditAccount, fetchedAt time.Time) error {
	key := normalizeKey(walletKey)
	if key == "" {
		return errors.New("snapshot: wallet key required")
	}
	payload, err := json.Marshal(cachedSnapshot{Accounts: accounts, FetchedAt: fetchedAt.UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put([]byte(key), payload)
	})
}

// Get returns the cached snapshot for the wallet key, or ErrNotCached.
func (s *Store) Get(walletKey string) ([]CreditAccount, time.Time, error) {
	key := normalizeKey(walletKey)
	var cached cachedSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAccounts).Get([]byte(key))
		if raw == nil {
			return ErrNotCached
		}
		return json.Unmarshal(raw, &cached)
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return cached.Accounts, cached.FetchedAt, nil
}

// Forget drops the cached snapshot for the wallet key. Used when the
// connected wallet changes so superseded data never resurfaces.
func (s *Store) Forget(walletKey string) error {
	key := normalizeKey(walletKey)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete([]byte(key))
	})
}

func normalizeKey(walletKey string) string {
	return strings.ToLower(strings.TrimSpace(walletKey))
}
