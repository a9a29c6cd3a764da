// Package convlog keeps a short rolling conversation history per user in
// Redis, serialized as one JSON array per user key.
package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

const (
	keyPrefix = "convlog:"

	// MaxEntries bounds the stored history; older entries fall off the front.
	MaxEntries = 15
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Log reads and rewrites whole per-user histories. Each user's key is
// serialized under its own lock so interleaved appends never lose entries.
type Log struct {
	rdb    redisClient
	logger *logrus.Entry
	now    func() time.Time

	mu       sync.Mutex
	keyLocks map[int64]*sync.Mutex
}

// New constructs a conversation log on top of the given Redis client.
func New(rdb redisClient, logger *logrus.Entry) *Log {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Log{
		rdb:      rdb,
		logger:   logger,
		now:      time.Now,
		keyLocks: make(map[int64]*sync.Mutex),
	}
}

func userKey(userID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, userID)
}

func (l *Log) lockUser(userID int64) func() {
	l.mu.Lock()
	lock, ok := l.keyLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.keyLocks[userID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Append adds one entry to the user's history, trimming to the newest
// MaxEntries. A corrupt stored value is logged and replaced by a fresh
// history rather than surfaced.
func (l *Log) Append(ctx context.Context, userID int64, role, content string) error {
	if l == nil || l.rdb == nil {
		return errors.New("conversation log is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	unlock := l.lockUser(userID)
	defer unlock()

	entries, err := l.read(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrCorruptRecord) {
			return err
		}
		l.logger.WithFields(logging.Fields{
			"event":   "convlog_corrupt",
			"user_id": userID,
		}).Warn("conversation history failed to decode, starting fresh")
		entries = nil
	}

	entries = append(entries, domain.ConversationEntry{
		Role:      role,
		Content:   content,
		Timestamp: l.now().UTC(),
	})
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}

	return l.write(ctx, userID, entries)
}

// History returns the user's stored entries, oldest first. Missing or corrupt
// histories read as empty.
func (l *Log) History(ctx context.Context, userID int64) ([]domain.ConversationEntry, error) {
	if l == nil || l.rdb == nil {
		return nil, errors.New("conversation log is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	entries, err := l.read(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrCorruptRecord) {
			l.logger.WithFields(logging.Fields{
				"event":   "convlog_corrupt",
				"user_id": userID,
			}).Warn("conversation history failed to decode, reading as empty")
			return nil, nil
		}
		return nil, err
	}

	return entries, nil
}

// Recent returns the entries newer than the given age, oldest first.
func (l *Log) Recent(ctx context.Context, userID int64, within time.Duration) ([]domain.ConversationEntry, error) {
	entries, err := l.History(ctx, userID)
	if err != nil {
		return nil, err
	}

	cutoff := l.now().UTC().Add(-within)
	fresh := entries[:0:0]
	for _, entry := range entries {
		if entry.Timestamp.After(cutoff) {
			fresh = append(fresh, entry)
		}
	}

	return fresh, nil
}

// Clear deletes the user's history.
func (l *Log) Clear(ctx context.Context, userID int64) error {
	if l == nil || l.rdb == nil {
		return errors.New("conversation log is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	unlock := l.lockUser(userID)
	defer unlock()

	if err := l.rdb.Del(ctx, userKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}

	return nil
}

func (l *Log) read(ctx context.Context, userID int64) ([]domain.ConversationEntry, error) {
	raw, err := l.rdb.Get(ctx, userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read conversation: %w", err)
	}

	var entries []domain.ConversationEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("%w: decode conversation: %v", domain.ErrCorruptRecord, err)
	}

	return entries, nil
}

func (l *Log) write(ctx context.Context, userID int64, entries []domain.ConversationEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	if err := l.rdb.Set(ctx, userKey(userID), raw, 0).Err(); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}

	return nil
}
