package services

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDB persists client-side bookkeeping in a BoltDB file: the last active session of each user and the
// local titles of sessions. Session content itself always lives in the agent runtime.
type BoltDB struct {
	db *bolt.DB
}

var (
	lastSessionBucket = []byte("last_session")
	titlesBucket      = []byte("titles")
)

type lastSessionRecord struct {
	SessionID string    `cbor:"session_id"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

type titleRecord struct {
	Title     string    `cbor:"title"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database with the
// required buckets and returns an error if the database cannot be opened or initialized. The database file is
// created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{lastSessionBucket, titlesBucket} {
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

func titleKey(userID, sessionID string) []byte {
	return []byte(fmt.Sprintf("%s/%s", userID, sessionID))
}

// LastSession returns the last active session of userID, or an empty string if none was recorded.
func (b BoltDB) LastSession(_ context.Context, userID string) (string, error) {
	var rec lastSessionRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(lastSessionBucket).Get([]byte(userID))
		if v == nil {
			return nil
		}
		if err := unmarshalRecord(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal last session: %w", err)
		}
		return nil
	})
	return rec.SessionID, err
}

// SetLastSession records sessionID as the last active session of userID.
func (b BoltDB) SetLastSession(_ context.Context, userID, sessionID string) error {
	v, err := marshalRecord(lastSessionRecord{SessionID: sessionID, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal last session: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lastSessionBucket).Put([]byte(userID), v)
	})
}

// ClearLastSession forgets the last active session of userID.
func (b BoltDB) ClearLastSession(_ context.Context, userID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lastSessionBucket).Delete([]byte(userID))
	})
}

// Title returns the stored title of a session, or an empty string.
func (b BoltDB) Title(_ context.Context, userID, sessionID string) (string, error) {
	var rec titleRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(titlesBucket).Get(titleKey(userID, sessionID))
		if v == nil {
			return nil
		}
		if err := unmarshalRecord(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal title: %w", err)
		}
		return nil
	})
	return rec.Title, err
}

// SetTitle stores the title of a session, replacing any previous one.
func (b BoltDB) SetTitle(_ context.Context, userID, sessionID, title string) error {
	v, err := marshalRecord(titleRecord{Title: title, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal title: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(titlesBucket).Put(titleKey(userID, sessionID), v)
	})
}

// DeleteTitle removes the title of a session. Missing titles are silently ignored.
func (b BoltDB) DeleteTitle(_ context.Context, userID, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(titlesBucket).Delete(titleKey(userID, sessionID))
	})
}
