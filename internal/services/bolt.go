package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/yestoryd/coach-assistant/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var (
	conversationsBucket = []byte("conversations")
	childrenBucket      = []byte("children")
)

// BoltDB stores conversations, their transcripts and each coach's students in a BoltDB file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens, or creates with 0600 permissions, the database at path and makes sure the
// top-level buckets exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(conversationsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(childrenBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close closes the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

// Conversations returns the conversations of a coach, most recent first.
func (b BoltDB) Conversations(_ context.Context, coachID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.CoachID == coachID {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(convs)
	return convs, nil
}

// Conversation returns one conversation, or ErrNotFound.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		return nil
	})
	return conv, err
}

// AddConversation stores a new conversation and creates its message bucket. The stored ID is the
// conversation's ID prefixed with a sequence number, so that iteration follows creation order; it is
// returned.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(conversationsBucket)

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%06d-%s", seq, conv.ID)
		conv.ID = newID

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(newID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bkt.Put([]byte(newID), v)
	})
	return newID, err
}

// UpdateConversation replaces a stored conversation. Unknown conversations are ignored.
func (b BoltDB) UpdateConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(conversationsBucket)
		if bkt.Get([]byte(conv.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bkt.Put([]byte(conv.ID), v)
	})
}

// Messages returns the stored transcript of a conversation in order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(conversationID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveMessages replaces the stored transcript of a conversation with messages.
func (b BoltDB) SaveMessages(_ context.Context, conversationID string, messages []models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := messageBucketName(conversationID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to clear message bucket: %w", err)
			}
		}
		bkt, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for i, msg := range messages {
			v, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := bkt.Put([]byte(fmt.Sprintf("%08d", i)), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Children returns the students of a coach.
func (b BoltDB) Children(_ context.Context, coachID string) ([]models.Child, error) {
	var children []models.Child
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(childrenBucket).Get([]byte(coachID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &children); err != nil {
			return fmt.Errorf("failed to unmarshal children: %w", err)
		}
		return nil
	})
	return children, err
}

// SetChildren replaces the students of a coach.
func (b BoltDB) SetChildren(_ context.Context, coachID string, children []models.Child) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(children)
		if err != nil {
			return fmt.Errorf("failed to marshal children: %w", err)
		}
		return tx.Bucket(childrenBucket).Put([]byte(coachID), v)
	})
}
