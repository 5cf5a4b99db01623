package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB is the BoltDB-backed persistence shared by both ends of the system. On the client it is the
// durable identity store of one profile; on the relay it keeps anonymous users, their bearer tokens and
// the chat history of each session.
type BoltDB struct {
	db *bolt.DB
}

var (
	identityBucket = []byte("identity")
	usersBucket    = []byte("users")
	tokensBucket   = []byte("tokens")
)

// NewBoltDB opens (creating if needed) the database at path with 0600 permissions and initializes the
// required buckets.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{identityBucket, usersBucket, tokensBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func historyBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("history-%s", sessionID))
}

// Get returns the identity value stored under key, or an empty string.
func (b BoltDB) Get(key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(identityBucket).Get([]byte(key)))
		return nil
	})
	return value, err
}

// Set stores an identity value under key.
func (b BoltDB) Set(key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Put([]byte(key), []byte(value))
	})
}

// Clear erases every identity value.
func (b BoltDB) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(identityBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(identityBucket)
		return err
	})
}

type userRecord struct {
	ID        string    `json:"id"`
	Anonymous bool      `json:"anonymous"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateAnonymousUser registers a new anonymous user and issues a bearer token for it.
func (b BoltDB) CreateAnonymousUser(context.Context) (string, string, error) {
	user := userRecord{
		ID:        uuid.New().String(),
		Anonymous: true,
		CreatedAt: time.Now(),
	}
	token := uuid.New().String()

	err := b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := tx.Bucket(usersBucket).Put([]byte(user.ID), v); err != nil {
			return err
		}
		return tx.Bucket(tokensBucket).Put([]byte(token), []byte(user.ID))
	})
	if err != nil {
		return "", "", err
	}

	return user.ID, token, nil
}

// UserByToken returns the user owning token, or an empty string if the token is unknown or revoked.
func (b BoltDB) UserByToken(_ context.Context, token string) (string, error) {
	var userID string
	err := b.db.View(func(tx *bolt.Tx) error {
		userID = string(tx.Bucket(tokensBucket).Get([]byte(token)))
		return nil
	})
	return userID, err
}

// RevokeToken invalidates token. Unknown tokens are ignored.
func (b BoltDB) RevokeToken(_ context.Context, token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(token))
	})
}

// Messages returns the history of sessionID in the order it was recorded.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(historyBucketName(sessionID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var entry models.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal history entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// AddMessage appends entry to the history of sessionID and returns its stored ID. The stored ID prefixes
// the entry's original ID with a zero-padded sequence number, so key order is insertion order.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, entry models.HistoryEntry) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(historyBucketName(sessionID))
		if err != nil {
			return fmt.Errorf("failed to create history bucket: %w", err)
		}

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%020d-%s", seq, entry.ID)
		entry.ID = newID

		v, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}

		return bk.Put([]byte(newID), v)
	})

	return newID, err
}

// ClearMessages removes the whole history of sessionID.
func (b BoltDB) ClearMessages(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(historyBucketName(sessionID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
