// Package identity persists the remembered username across process
// restarts. It is a pure key-value wrapper around a BBolt database; no
// other component touches the underlying storage.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketName = []byte("identity")
	recordKey  = []byte("remembered")
)

type record struct {
	Username string `json:"username"`
	Remember bool   `json:"remember"`
}

// Store implements the remembered-identity contract backed by BBolt.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the identity database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening identity db: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an already-open BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating identity bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember durably records username as the remembered identity.
func (s *Store) Remember(username string) error {
	if username == "" {
		return errors.New("cannot remember an empty username")
	}
	data, err := json.Marshal(record{Username: username, Remember: true})
	if err != nil {
		return fmt.Errorf("encoding identity record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(recordKey, data)
	})
}

// Forget deletes the remembered identity. Forgetting an identity that was
// never remembered is not an error.
func (s *Store) Forget() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(recordKey)
	})
}

// Recall returns the remembered username, if any.
func (s *Store) Recall() (string, bool, error) {
	var rec record
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get(recordKey)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding identity record: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !found || !rec.Remember || rec.Username == "" {
		return "", false, nil
	}
	return rec.Username, true, nil
}
