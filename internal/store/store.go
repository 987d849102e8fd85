package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/trigger"
)

const (
	settingsBucketName   = "settings"
	recipientsBucketName = "recipients"

	triggerKey = "trigger"
)

// ErrNotFound is returned when a key is missing.
var ErrNotFound = errors.New("not found")

// DB defines the interface for persisted configuration
type DB interface {
	// LoadTriggerConfig returns the saved hotkey config, or ErrNotFound
	LoadTriggerConfig() (trigger.Config, error)

	// SaveTriggerConfig stores the hotkey config
	SaveTriggerConfig(cfg trigger.Config) error

	// SaveRecipient adds or replaces a recipient keyed by address
	SaveRecipient(r deliver.Recipient) error

	// ListRecipients returns all recipients
	ListRecipients() ([]deliver.Recipient, error)

	// DeleteRecipient removes a recipient by address
	DeleteRecipient(address string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens or creates the database at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{settingsBucketName, recipientsBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// LoadTriggerConfig returns the saved hotkey config
func (b *BoltDB) LoadTriggerConfig() (trigger.Config, error) {
	var cfg trigger.Config
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(settingsBucketName)).Get([]byte(triggerKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return trigger.Config{}, err
	}
	return cfg, nil
}

// SaveTriggerConfig stores the hotkey config
func (b *BoltDB) SaveTriggerConfig(cfg trigger.Config) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling trigger config: %w", err)
		}
		return tx.Bucket([]byte(settingsBucketName)).Put([]byte(triggerKey), data)
	})
}

// SaveRecipient validates and stores a recipient
func (b *BoltDB) SaveRecipient(r deliver.Recipient) error {
	r.Address = strings.TrimSpace(r.Address)
	r.Name = strings.TrimSpace(r.Name)
	if err := r.Validate(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling recipient: %w", err)
		}
		return tx.Bucket([]byte(recipientsBucketName)).Put(recipientKey(r.Address), data)
	})
}

// ListRecipients returns all recipients ordered by address
func (b *BoltDB) ListRecipients() ([]deliver.Recipient, error) {
	recipients := make([]deliver.Recipient, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(recipientsBucketName)).ForEach(func(k, v []byte) error {
			var r deliver.Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshaling recipient: %w", err)
			}
			recipients = append(recipients, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recipients, nil
}

// DeleteRecipient removes a recipient by address
func (b *BoltDB) DeleteRecipient(address string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recipientsBucketName))
		key := recipientKey(address)
		if bucket.Get(key) == nil {
			return fmt.Errorf("recipient %s: %w", address, ErrNotFound)
		}
		return bucket.Delete(key)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func recipientKey(address string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(address)))
}
