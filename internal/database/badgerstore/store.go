package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var ErrStoreClosed = errors.New("badger store is closed")

const seqKey = "seq:chat_messages"

// Store is a MessageStore on Badger. Keys are
// "msg:{course}:{created_at_nanos:019}:{seq:020}" so a prefix scan yields a
// course's messages already in (created_at, seq) order.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger

	mu          sync.Mutex // serialises appends
	lastCreated map[string]int64
}

var (
	_ interfaces.MessageStore = (*Store)(nil)
	_ interfaces.CoursePurger = (*Store)(nil)
)

// Open opens or creates a store at path. An empty path keeps everything
// in memory, which is what tests use.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open message sequence: %w", err)
	}

	return &Store{
		db:          db,
		seq:         seq,
		log:         logger.With("component", "badgerstore"),
		lastCreated: make(map[string]int64),
	}, nil
}

type storedMessage struct {
	ID        string `json:"id"`
	CourseID  string `json:"course_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	Seq       int64  `json:"seq"`
}

func coursePrefix(courseID string) []byte {
	return []byte("msg:" + courseID + ":")
}

func messageKey(courseID string, created, seq int64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%020d", courseID, created, seq))
}

// Append stores one message in a single transaction
func (s *Store) Append(ctx context.Context, courseID, senderID, body string) (*types.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStore, err)
	}
	if s.db.IsClosed() {
		return nil, fmt.Errorf("%w: %w", types.ErrStore, ErrStoreClosed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.nextTimestamp(courseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStore, err)
	}
	next, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to allocate sequence: %w", types.ErrStore, err)
	}

	record := storedMessage{
		ID:        uuid.New().String(),
		CourseID:  courseID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: created,
		Seq:       int64(next) + 1,
	}
	value, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode message: %w", types.ErrStore, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(courseID, record.CreatedAt, record.Seq), value)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write message: %w", types.ErrStore, err)
	}

	s.lastCreated[courseID] = created
	return toMessage(record), nil
}

// nextTimestamp is called with s.mu held
func (s *Store) nextTimestamp(courseID string) (int64, error) {
	last, ok := s.lastCreated[courseID]
	if !ok {
		var err error
		last, err = s.latestTimestamp(courseID)
		if err != nil {
			return 0, err
		}
	}

	now := time.Now().UnixNano()
	if now < last {
		now = last
	}
	return now, nil
}

func (s *Store) latestTimestamp(courseID string) (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := coursePrefix(courseID)
		it.Seek(append(bytes.Clone(prefix), '~'))
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		created, err := parseCreated(it.Item().Key(), len(prefix))
		if err != nil {
			return err
		}
		last = created
		return nil
	})
	return last, err
}

// ListByCourse returns the newest limit messages, oldest first
func (s *Store) ListByCourse(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = interfaces.DefaultHistoryLimit
	}

	var records []storedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := coursePrefix(courseID)
		for it.Seek(append(bytes.Clone(prefix), '~')); it.ValidForPrefix(prefix); it.Next() {
			if len(records) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := decode(it.Item())
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list messages: %w", types.ErrStore, err)
	}

	slices.Reverse(records)
	return lo.Map(records, func(r storedMessage, _ int) *types.ChatMessage {
		return toMessage(r)
	}), nil
}

// ListByCourseSince returns every message with created_at strictly after after
func (s *Store) ListByCourseSince(ctx context.Context, courseID string, after time.Time) ([]*types.ChatMessage, error) {
	if !after.Before(types.MaxTimestamp) {
		return []*types.ChatMessage{}, nil
	}
	var start int64
	if after.After(time.Unix(0, 0)) {
		start = after.UnixNano() + 1
	}

	messages := make([]*types.ChatMessage, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := coursePrefix(courseID)
		seek := append(bytes.Clone(prefix), []byte(fmt.Sprintf("%019d", start))...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := decode(it.Item())
			if err != nil {
				return err
			}
			messages = append(messages, toMessage(record))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list messages: %w", types.ErrStore, err)
	}
	return messages, nil
}

// CountByCourse counts keys without loading values
func (s *Store) CountByCourse(_ context.Context, courseID string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = coursePrefix(courseID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count messages: %w", types.ErrStore, err)
	}
	return count, nil
}

// DeleteCourse drops every message of a course
func (s *Store) DeleteCourse(_ context.Context, courseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DropPrefix(coursePrefix(courseID)); err != nil {
		return fmt.Errorf("%w: failed to drop course messages: %w", types.ErrStore, err)
	}
	delete(s.lastCreated, courseID)
	return nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	if s.db.IsClosed() {
		return ErrStoreClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(seqKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close releases the sequence lease and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.IsClosed() {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		s.log.Warn("failed to release message sequence", "error", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger: %w", err)
	}
	return nil
}

func decode(item *badger.Item) (storedMessage, error) {
	var record storedMessage
	err := item.Value(func(value []byte) error {
		return json.Unmarshal(value, &record)
	})
	if err != nil {
		return storedMessage{}, fmt.Errorf("failed to decode %s: %w", item.Key(), err)
	}
	return record, nil
}

func parseCreated(key []byte, prefixLen int) (int64, error) {
	if len(key) < prefixLen+19 {
		return 0, fmt.Errorf("malformed message key %q", key)
	}
	return strconv.ParseInt(string(key[prefixLen:prefixLen+19]), 10, 64)
}

func toMessage(r storedMessage) *types.ChatMessage {
	return &types.ChatMessage{
		ID:        r.ID,
		CourseID:  r.CourseID,
		SenderID:  r.SenderID,
		Body:      r.Body,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		Seq:       r.Seq,
	}
}
