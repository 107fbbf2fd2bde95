package services

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the conversation store and the plain settings store using a BoltDB backend. Rooms live in
// one bucket; every room owns a nested bucket holding its messages keyed by insertion sequence and an index from
// message ID to that key.
type BoltDB struct {
	db *bolt.DB
}

var (
	roomsBucket    = []byte("rooms")
	messagesBucket = []byte("messages")
	settingsBucket = []byte("settings")

	roomMessagesBucket = []byte("log")
	roomIndexBucket    = []byte("index")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database with
// required buckets and returns an error if the database cannot be opened or initialized. The database file is
// created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{roomsBucket, messagesBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// sequenceOf returns the insertion sequence an ID was minted with.
func sequenceOf(id string) uint64 {
	prefix, _, _ := strings.Cut(id, "-")
	seq, _ := strconv.ParseUint(prefix, 10, 64)
	return seq
}

func itob(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

// CreateRoom stores a new chat room answering with providers and creates its message bucket.
func (b BoltDB) CreateRoom(_ context.Context, title string, providers []models.ProviderID) (models.ChatRoom, error) {
	room := models.ChatRoom{
		Title:     title,
		Providers: slices.Clone(providers),
		CreatedAt: models.Now(),
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(roomsBucket).NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		room.ID = strconv.FormatUint(seq, 10) + "-" + uuid.New().String()

		v, err := json.Marshal(room)
		if err != nil {
			return fmt.Errorf("failed to marshal room: %w", err)
		}
		if err := tx.Bucket(roomsBucket).Put([]byte(room.ID), v); err != nil {
			return err
		}

		rb, err := tx.Bucket(messagesBucket).CreateBucket([]byte(room.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		if _, err := rb.CreateBucket(roomMessagesBucket); err != nil {
			return err
		}
		_, err = rb.CreateBucket(roomIndexBucket)
		return err
	})
	if err != nil {
		return models.ChatRoom{}, err
	}
	return room, nil
}

// Room returns the chat room with the given ID, or models.ErrRoomNotFound.
func (b BoltDB) Room(_ context.Context, roomID string) (models.ChatRoom, error) {
	var room models.ChatRoom
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get([]byte(roomID))
		if v == nil {
			return models.ErrRoomNotFound
		}
		return json.Unmarshal(v, &room)
	})
	return room, err
}

// Rooms retrieves all stored chat rooms, newest first.
func (b BoltDB) Rooms(context.Context) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(_, v []byte) error {
			var room models.ChatRoom
			if err := json.Unmarshal(v, &room); err != nil {
				return fmt.Errorf("failed to unmarshal room: %w", err)
			}
			rooms = append(rooms, room)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rooms, func(a, b models.ChatRoom) int {
		return cmp.Or(cmp.Compare(b.CreatedAt, a.CreatedAt), cmp.Compare(sequenceOf(b.ID), sequenceOf(a.ID)))
	})
	return rooms, nil
}

// DeleteRoom removes a room together with every message it owns, in one transaction.
func (b BoltDB) DeleteRoom(_ context.Context, roomID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rooms := tx.Bucket(roomsBucket)
		if rooms.Get([]byte(roomID)) == nil {
			return models.ErrRoomNotFound
		}
		if err := tx.Bucket(messagesBucket).DeleteBucket([]byte(roomID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		return rooms.Delete([]byte(roomID))
	})
}

// AppendUserMessage stores a user message. Its turn link is its own ID.
func (b BoltDB) AppendUserMessage(_ context.Context, roomID, text, image string) (models.Message, error) {
	msg := models.Message{
		RoomID:    roomID,
		Content:   text,
		Image:     image,
		CreatedAt: models.Now(),
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(messagesBucket).Bucket([]byte(roomID))
		if rb == nil {
			return models.ErrRoomNotFound
		}
		return putMessage(rb, &msg, true)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// AppendProviderMessage stores a provider's finished reply, linked to the user message turnLink of the same
// room. It returns models.ErrInvalidTurnLink when no such user message exists.
func (b BoltDB) AppendProviderMessage(
	_ context.Context,
	roomID, turnLink string,
	provider models.ProviderID,
	text string,
) (models.Message, error) {
	msg := models.Message{
		RoomID:    roomID,
		Content:   text,
		TurnLink:  turnLink,
		Provider:  provider,
		CreatedAt: models.Now(),
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(messagesBucket).Bucket([]byte(roomID))
		if rb == nil {
			return models.ErrRoomNotFound
		}

		key := rb.Bucket(roomIndexBucket).Get([]byte(turnLink))
		if key == nil {
			return models.ErrInvalidTurnLink
		}
		var linked models.Message
		if err := json.Unmarshal(rb.Bucket(roomMessagesBucket).Get(key), &linked); err != nil {
			return fmt.Errorf("failed to unmarshal linked message: %w", err)
		}
		if !linked.IsUser() {
			return models.ErrInvalidTurnLink
		}

		return putMessage(rb, &msg, false)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func putMessage(rb *bolt.Bucket, msg *models.Message, selfLink bool) error {
	log := rb.Bucket(roomMessagesBucket)
	seq, err := log.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to get next sequence: %w", err)
	}
	msg.ID = strconv.FormatUint(seq, 10) + "-" + uuid.New().String()
	if selfLink {
		msg.TurnLink = msg.ID
	}

	v, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := itob(seq)
	if err := log.Put(key, v); err != nil {
		return err
	}
	return rb.Bucket(roomIndexBucket).Put([]byte(msg.ID), key)
}

// Messages retrieves all messages of a room, oldest first.
func (b BoltDB) Messages(_ context.Context, roomID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(messagesBucket).Bucket([]byte(roomID))
		if rb == nil {
			return models.ErrRoomNotFound
		}
		return rb.Bucket(roomMessagesBucket).ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func settingKey(provider models.ProviderID, field string) []byte {
	return []byte(string(provider) + "/" + field)
}

// Get returns a provider setting and whether it has been set.
func (b BoltDB) Get(_ context.Context, provider models.ProviderID, field string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(settingKey(provider, field))
		if v != nil {
			value, ok = string(v), true
		}
		return nil
	})
	return value, ok, err
}

// Set stores a provider setting.
func (b BoltDB) Set(_ context.Context, provider models.ProviderID, field, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put(settingKey(provider, field), []byte(value))
	})
}
